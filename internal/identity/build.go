package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/RevCBH/berth/internal/config"
)

const dockerignoreFile = ".dockerignore"

type buildHeader struct {
	Version    int               `json:"v"`
	Dockerfile string            `json:"dockerfile"`
	Target     string            `json:"target"`
	Args       map[string]string `json:"args"`
}

// BuildHash hashes everything that determines the result of a build: the
// Dockerfile location and content, target, build args and every file of the
// context that .dockerignore does not exclude (path, mode, symlink target and
// content). Files are visited in lexical order so the hash is stable across
// hosts. Every entry is length-prefixed.
func BuildHash(spec *config.BuildSpec) (string, error) {
	contextDir := config.ResolvePath(spec.Context)
	dockerfilePath := config.ResolvePath(spec.Dockerfile)
	dockerfile, err := filepath.Rel(contextDir, dockerfilePath)
	if err != nil {
		return "", fmt.Errorf("dockerfile %s: %w", spec.Dockerfile, err)
	}

	excludes, err := ContextExcludes(contextDir)
	if err != nil {
		return "", err
	}
	pm, err := patternmatcher.New(excludes)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", dockerignoreFile, err)
	}

	h := sha256.New()
	header := buildHeader{
		Version:    schemaVersion,
		Dockerfile: filepath.ToSlash(dockerfile),
		Target:     spec.Target,
		Args:       spec.Args,
	}
	if header.Args == nil {
		header.Args = map[string]string{}
	}
	data, _ := json.Marshal(header)
	writeEntry(h, "header", 0, data)

	// The Dockerfile may live outside the context, so its content is always
	// hashed on its own.
	content, err := os.ReadFile(dockerfilePath)
	if err != nil {
		return "", fmt.Errorf("read dockerfile: %w", err)
	}
	writeEntry(h, "dockerfile", 0, content)

	err = filepath.WalkDir(contextDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(contextDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		// The Dockerfile and .dockerignore are always sent to the builder.
		if rel != dockerfile && rel != dockerignoreFile {
			skip, err := pm.MatchesOrParentMatches(rel)
			if err != nil {
				return err
			}
			if skip {
				if d.IsDir() && !pm.Exclusions() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var body []byte
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			body = []byte(target)
		case info.Mode().IsRegular():
			body, err = os.ReadFile(p)
			if err != nil {
				return err
			}
		}
		writeEntry(h, filepath.ToSlash(rel), info.Mode(), body)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hash build context %s: %w", contextDir, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeEntry writes one self-delimiting record: quoted name, mode and body
// length, then the body.
func writeEntry(w io.Writer, name string, mode fs.FileMode, body []byte) {
	fmt.Fprintf(w, "%q %o %d\n", name, uint32(mode), len(body))
	w.Write(body)
}

// BuildTag returns the tag a build with the given hash is stored under.
func BuildTag(name, hash string) string {
	return name + ":" + hash[:shortHashLen]
}

// ContextExcludes reads the exclusion patterns of dir/.dockerignore.
// A missing file means nothing is excluded.
func ContextExcludes(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, dockerignoreFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dockerignoreFile, err)
	}
	defer f.Close()

	excludes, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dockerignoreFile, err)
	}
	return excludes, nil
}
