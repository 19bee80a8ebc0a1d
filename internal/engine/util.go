package engine

import (
	"archive/tar"
	"bytes"
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// singleFileTar packs content as the final element of target, with every
// parent directory as its own entry, rooted at "/".
func singleFileTar(target string, content []byte, mode os.FileMode) (*bytes.Buffer, error) {
	target = path.Clean("/" + target)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	dirs := strings.Split(strings.TrimPrefix(path.Dir(target), "/"), "/")
	prefix := ""
	for _, d := range dirs {
		if d == "" {
			continue
		}
		prefix = path.Join(prefix, d)
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     prefix + "/",
			Mode:     0755,
			ModTime:  now,
		}); err != nil {
			return nil, err
		}
	}

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     strings.TrimPrefix(target, "/"),
		Mode:     int64(mode.Perm()),
		Size:     int64(len(content)),
		ModTime:  now,
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
