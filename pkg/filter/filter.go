package filter

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/beam-cloud/evp/pkg/common"
)

type Mode int

const (
	All Mode = iota
	Client
	Server
)

func (m Mode) String() string {
	switch m {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return "all"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "none":
		return All, nil
	case "client", "client_only":
		return Client, nil
	case "server", "server_only":
		return Server, nil
	default:
		return All, fmt.Errorf("unknown filter %q", s)
	}
}

type rules struct {
	dirs  []string
	files []string
}

var modeRules = map[Mode]rules{
	Client: {
		dirs:  []string{"local", "maps", "model", "model2", "script", "ui", "audio", "music", "scene"},
		files: []string{"client_engine.ini", "client_game.ini"},
	},
	Server: {
		dirs:  []string{"local", "maps", "script"},
		files: []string{"server_engine.ini", "server_game.ini", "server_user.ini"},
	},
}

// Match reports whether rel, a '/' separated path relative to the packed
// directory, passes the filter. A file matches when its parent directory
// contains one of the listed names or its file name is listed exactly.
func Match(rel string, mode Mode) bool {
	r, ok := modeRules[mode]
	if !ok {
		return true
	}

	parent, name := path.Split(rel)
	for _, dir := range r.dirs {
		if strings.Contains(parent, dir) {
			return true
		}
	}
	for _, file := range r.files {
		if name == file {
			return true
		}
	}
	return false
}

// Files returns the regular files below dir that pass the filter, relative
// to dir and in a deterministic order.
func Files(dir string, mode Mode) ([]string, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", common.ErrDirectoryNotFound, dir)
		}
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", common.ErrNotDirectory, dir)
	}

	var files []string
	err = godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(p string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}

			var stat unix.Stat_t
			if err := unix.Stat(p, &stat); err != nil {
				log.Warn().Err(err).Msgf("skipping unreadable entry: %s", p)
				return nil
			}
			if stat.Mode&unix.S_IFMT != unix.S_IFREG {
				log.Debug().Msgf("skipping non-regular file: %s", p)
				return nil
			}

			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			if Match(rel, mode) {
				files = append(files, rel)
			}
			return nil
		},
		Unsorted: false,
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("dir", dir).Str("filter", mode.String()).Int("files", len(files)).Msg("collected files")
	return files, nil
}
