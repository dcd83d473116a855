package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

type Format string

const (
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarGzip Format = "tar.gz"
	FormatTarZstd Format = "tar.zst"
)

var (
	ErrEmpty          = errors.New("archive is empty")
	ErrUnsafePath     = errors.New("entry path escapes destination")
	ErrUnsupported    = errors.New("unsupported archive format")
	ErrTooManyEntries = errors.New("archive has too many entries")
	ErrTooLarge       = errors.New("archive expands beyond size limit")
	ErrEntryType      = errors.New("links and special files are not allowed")
)

type Options struct {
	MaxEntries int
	MaxBytes   int64
	// Progress, when set, is called after each entry is written.
	Progress func(done, total int)
}

type Extractor interface {
	Extract(archivePath, destDir string) error
}

type extractor struct {
	opts Options
}

func NewExtractor(opts Options) Extractor {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 1 << 30
	}
	return &extractor{opts: opts}
}

// entry is the format-neutral view of an archive member.
type entry struct {
	name  string
	dir   bool
	mode  os.FileMode
	size  int64
	open  func() (io.ReadCloser, error)
	valid error
}

func (x *extractor) Extract(archivePath, destDir string) error {
	format, err := Detect(archivePath)
	if err != nil {
		return &domain.ArchiveError{Archive: archivePath, Err: err}
	}
	switch format {
	case FormatZip:
		return x.extractZip(archivePath, destDir)
	default:
		return x.extractTar(archivePath, destDir, format)
	}
}

func (x *extractor) extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return &domain.ArchiveError{Archive: archivePath, Err: err}
	}
	defer zr.Close()

	entries := make([]entry, 0, len(zr.File))
	for _, f := range zr.File {
		f := f
		mode := f.Mode()
		e := entry{
			name: f.Name,
			dir:  f.FileInfo().IsDir(),
			mode: mode,
			size: int64(f.UncompressedSize64),
			open: func() (io.ReadCloser, error) { return f.Open() },
		}
		if mode&(os.ModeSymlink|os.ModeDevice|os.ModeNamedPipe|os.ModeSocket|os.ModeCharDevice) != 0 {
			e.valid = ErrEntryType
		}
		entries = append(entries, e)
	}
	return x.write(archivePath, destDir, entries)
}

func (x *extractor) extractTar(archivePath, destDir string, format Format) error {
	// Headers are scanned in a first pass so that nothing is written when a
	// later entry turns out to be unsafe.
	var headers []entry
	err := x.walkTar(archivePath, format, func(hdr *tar.Header, _ io.Reader) error {
		e := entry{name: hdr.Name, mode: hdr.FileInfo().Mode(), size: hdr.Size}
		switch hdr.Typeflag {
		case tar.TypeDir:
			e.dir = true
		case tar.TypeReg, tar.TypeRegA:
		case tar.TypeXGlobalHeader:
			return nil
		default:
			e.valid = ErrEntryType
		}
		headers = append(headers, e)
		if len(headers) > x.opts.MaxEntries {
			return ErrTooManyEntries
		}
		return nil
	})
	if err != nil {
		return &domain.ArchiveError{Archive: archivePath, Err: err}
	}
	if err := x.check(archivePath, destDir, headers); err != nil {
		return err
	}

	total := len(headers)
	done := 0
	err = x.walkTar(archivePath, format, func(hdr *tar.Header, r io.Reader) error {
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			return nil
		}
		e := entry{
			name: hdr.Name,
			dir:  hdr.Typeflag == tar.TypeDir,
			mode: hdr.FileInfo().Mode(),
			size: hdr.Size,
			open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
		}
		if err := x.writeEntry(archivePath, destDir, e); err != nil {
			return err
		}
		done++
		if x.opts.Progress != nil {
			x.opts.Progress(done, total)
		}
		return nil
	})
	if err != nil {
		var aerr *domain.ArchiveError
		if errors.As(err, &aerr) {
			return err
		}
		return &domain.ArchiveError{Archive: archivePath, Err: err}
	}
	return nil
}

func (x *extractor) walkTar(archivePath string, format Format, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch format {
	case FormatTarGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	case FormatTarZstd:
		zd, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer zd.Close()
		r = zd
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func (x *extractor) write(archivePath, destDir string, entries []entry) error {
	if err := x.check(archivePath, destDir, entries); err != nil {
		return err
	}
	for i, e := range entries {
		if err := x.writeEntry(archivePath, destDir, e); err != nil {
			return err
		}
		if x.opts.Progress != nil {
			x.opts.Progress(i+1, len(entries))
		}
	}
	return nil
}

// check validates every entry before anything touches the destination.
func (x *extractor) check(archivePath, destDir string, entries []entry) error {
	if len(entries) > x.opts.MaxEntries {
		return &domain.ArchiveError{Archive: archivePath, Err: ErrTooManyEntries}
	}
	files := 0
	var total int64
	for _, e := range entries {
		if e.valid != nil {
			return &domain.ArchiveError{Archive: archivePath, Entry: e.name, Err: e.valid}
		}
		if _, err := SafeJoin(destDir, e.name); err != nil {
			return &domain.ArchiveError{Archive: archivePath, Entry: e.name, Err: err}
		}
		if !e.dir {
			files++
			total += e.size
		}
		if total > x.opts.MaxBytes {
			return &domain.ArchiveError{Archive: archivePath, Err: ErrTooLarge}
		}
	}
	if files == 0 {
		return &domain.ArchiveError{Archive: archivePath, Err: ErrEmpty}
	}
	return nil
}

func (x *extractor) writeEntry(archivePath, destDir string, e entry) error {
	target, err := SafeJoin(destDir, e.name)
	if err != nil {
		return &domain.ArchiveError{Archive: archivePath, Entry: e.name, Err: err}
	}
	if e.dir {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return &domain.ArchiveError{Archive: archivePath, Entry: e.name, Err: err}
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &domain.ArchiveError{Archive: archivePath, Entry: e.name, Err: err}
	}

	rc, err := e.open()
	if err != nil {
		return &domain.ArchiveError{Archive: archivePath, Entry: e.name, Err: err}
	}
	defer rc.Close()

	perm := e.mode.Perm() & 0o755
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return &domain.ArchiveError{Archive: archivePath, Entry: e.name, Err: err}
	}
	// Declared sizes can lie; never copy more than the declared size plus one byte.
	n, err := io.Copy(out, io.LimitReader(rc, e.size+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &domain.ArchiveError{Archive: archivePath, Entry: e.name, Err: err}
	}
	if n > e.size {
		return &domain.ArchiveError{Archive: archivePath, Entry: e.name, Err: ErrTooLarge}
	}
	return nil
}

// SafeJoin resolves an archive member name beneath destDir. Absolute names and
// names with any ".." segment are rejected outright.
func SafeJoin(destDir, name string) (string, error) {
	norm := strings.ReplaceAll(name, "\\", "/")
	if strings.TrimSpace(norm) == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafePath)
	}
	if strings.HasPrefix(norm, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" || hasDriveLetter(norm) {
		return "", fmt.Errorf("%w: absolute path", ErrUnsafePath)
	}
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: parent directory reference", ErrUnsafePath)
		}
	}
	clean := path.Clean(norm)
	if clean == "." {
		return filepath.Clean(destDir), nil
	}
	target := filepath.Join(destDir, filepath.FromSlash(clean))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return target, nil
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

var (
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicGzip     = []byte{0x1f, 0x8b}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Detect sniffs the archive format from magic bytes, falling back to the file extension.
func Detect(archivePath string) (Format, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	head = head[:n]
	if n == 0 {
		return "", ErrEmpty
	}

	switch {
	case bytes.HasPrefix(head, magicZip), bytes.HasPrefix(head, magicZipEmpty):
		return FormatZip, nil
	case bytes.HasPrefix(head, magicGzip):
		return FormatTarGzip, nil
	case bytes.HasPrefix(head, magicZstd):
		return FormatTarZstd, nil
	case n >= 262 && string(head[257:262]) == "ustar":
		return FormatTar, nil
	}

	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGzip, nil
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZstd, nil
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, nil
	}
	return "", ErrUnsupported
}
