package testcase

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	appErr "dwoj/pkg/errors"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// ArchiveFormat is a supported data-pack encoding.
type ArchiveFormat string

const (
	FormatZip    ArchiveFormat = "zip"
	FormatTarZst ArchiveFormat = "tar.zst"
)

// DetectFormat picks the archive format from a file name.
func DetectFormat(name string) (ArchiveFormat, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZst, nil
	default:
		return "", appErr.New(appErr.TestCaseInvalid).WithMessagef("unsupported archive %q, expected .zip or .tar.zst", name)
	}
}

// extractBudget caps the total number of bytes written by one extraction. A nil budget is unlimited.
type extractBudget struct {
	remaining int64
}

func newBudget(maxBytes int64) *extractBudget {
	if maxBytes <= 0 {
		return nil
	}
	return &extractBudget{remaining: maxBytes}
}

func (b *extractBudget) copy(dst io.Writer, src io.Reader) error {
	if b == nil {
		_, err := io.Copy(dst, src)
		return err
	}
	n, err := io.Copy(dst, io.LimitReader(src, b.remaining+1))
	if err != nil {
		return err
	}
	if n > b.remaining {
		return appErr.New(appErr.TestCaseTooLarge).WithMessage("extracted data exceeds size limit")
	}
	b.remaining -= n
	return nil
}

// safeJoin resolves an archive entry name inside dstDir and rejects escapes.
func safeJoin(dstDir, name string) (string, error) {
	cleanName := filepath.Clean(filepath.FromSlash(name))
	if cleanName == "." || cleanName == "" {
		return "", nil
	}
	if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
		return "", appErr.New(appErr.TestCaseInvalid).WithMessagef("invalid archive entry path %q", name)
	}
	target := filepath.Join(dstDir, cleanName)
	if !strings.HasPrefix(target, filepath.Clean(dstDir)+string(filepath.Separator)) {
		return "", appErr.New(appErr.TestCaseInvalid).WithMessagef("archive entry escapes target: %q", name)
	}
	return target, nil
}

func writeEntry(target string, src io.Reader, budget *extractBudget) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "create parent dir failed")
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "create file failed")
	}
	if err := budget.copy(file, src); err != nil {
		_ = file.Close()
		if appErr.GetCode(err) == appErr.TestCaseTooLarge {
			return err
		}
		return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "write file failed")
	}
	if err := file.Close(); err != nil {
		return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "close file failed")
	}
	return nil
}

// extractTarZst unpacks a zstd-compressed tar stream into dstDir. Only dirs and regular files are kept.
func extractTarZst(src io.Reader, dstDir string, budget *extractBudget) error {
	zr, err := zstd.NewReader(src)
	if err != nil {
		return appErr.Wrapf(err, appErr.TestCaseInvalid, "create zstd reader failed")
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.TestCaseInvalid, "read tar entry failed")
		}
		target, err := safeJoin(dstDir, hdr.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "create dir failed")
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, budget); err != nil {
				return err
			}
		default:
			// links and devices are dropped
		}
	}
}

// extractZip unpacks the zip file at path into dstDir.
func extractZip(path, dstDir string, budget *extractBudget) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.TestCaseInvalid, "open zip failed")
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeJoin(dstDir, f.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "create dir failed")
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return appErr.Wrapf(err, appErr.TestCaseInvalid, "open zip entry %s failed", f.Name)
		}
		err = writeEntry(target, rc, budget)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// packTarZst writes the regular files under dir as a zstd-compressed tar stream.
func packTarZst(dir string, dst io.Writer) error {
	zw, err := zstd.NewWriter(dst)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir || !d.Type().IsRegular() && !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return appErr.Wrapf(walkErr, appErr.JudgeSystemError, "pack data dir failed")
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.JudgeSystemError, "close tar writer failed")
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "close zstd writer failed")
	}
	return nil
}
