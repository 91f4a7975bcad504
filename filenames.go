package lgkv

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	currentFileName = "CURRENT"
	lockFileName    = "LOCK"
	tableExt        = ".sst"
	walExt          = ".wal"
	manifestExt     = ".manifest"
)

type fileType int

const (
	fileTypeUnknown fileType = iota
	fileTypeTable
	fileTypeWAL
	fileTypeManifest
	fileTypeTemp
)

func tableFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", num, tableExt))
}

func manifestFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", num, manifestExt))
}

// parseFileName classifies a directory entry and extracts its number.
func parseFileName(name string) (fileType, uint64) {
	if strings.HasSuffix(name, ".tmp") {
		return fileTypeTemp, 0
	}
	ext := filepath.Ext(name)
	var ft fileType
	switch ext {
	case tableExt:
		ft = fileTypeTable
	case walExt:
		ft = fileTypeWAL
	case manifestExt:
		ft = fileTypeManifest
	default:
		return fileTypeUnknown, 0
	}
	num, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
	if err != nil {
		return fileTypeUnknown, 0
	}
	return ft, num
}

// dbFile is one numbered file found in the database directory.
type dbFile struct {
	typ  fileType
	num  uint64
	name string
}

// listFiles returns the numbered and temporary files in dir.
func listFiles(dir string) ([]dbFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []dbFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		typ, num := parseFileName(e.Name())
		if typ == fileTypeUnknown {
			continue
		}
		files = append(files, dbFile{typ: typ, num: num, name: e.Name()})
	}
	return files, nil
}

// removeFile deletes path. A file that is already gone is not an error.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
