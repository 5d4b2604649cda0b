package api

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/octscan/internal/archive"
	"github.com/banshee-data/octscan/internal/httputil"
	"github.com/banshee-data/octscan/internal/security"
)

const archiveSQLSource = "sqlite://archive"

var (
	errNoArchives  = errors.New("no archives yet")
	errBadArchive  = errors.New("archive must be an archive file name")
	errArchiveGone = errors.New("archive not found")
)

// archiveSQL serves one archive at a time to a tailsql console. The newest
// archive is used until a request names another with ?archive=.
type archiveSQL struct {
	store *archive.Store
	tsql  *tailsql.Server
	mux   http.Handler
	logf  func(format string, v ...interface{})

	mu     sync.Mutex
	name   string
	db     *sql.DB
	closed bool
}

// attachArchiveSQL mounts the console under /debug/tailsql/ when the server
// has an archive store.
func (s *Server) attachArchiveSQL(debug *tsweb.DebugHandler) {
	if s.opts.Store == nil {
		return
	}
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		s.logf("failed to create tailsql server: %v", err)
		return
	}
	a := &archiveSQL{store: s.opts.Store, tsql: tsql, mux: tsql.NewMux(), logf: s.logf}
	s.sql = a
	debug.Handle("tailsql/", "SQL console over scan archives", a)
}

func (a *archiveSQL) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := a.use(r.URL.Query().Get("archive")); err != nil {
		switch {
		case errors.Is(err, errBadArchive):
			httputil.BadRequest(w, err.Error())
		case errors.Is(err, errNoArchives), errors.Is(err, errArchiveGone):
			httputil.NotFound(w, err.Error())
		default:
			httputil.WriteError(w, err)
		}
		return
	}
	a.mux.ServeHTTP(w, r)
}

// use points the console at the named archive, or at the newest one when
// name is empty and the current archive is missing.
func (a *archiveSQL) use(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errNoArchives
	}

	if name == "" {
		if a.db != nil {
			if _, err := os.Stat(filepath.Join(a.store.Dir(), a.name)); err == nil {
				return nil
			}
		}
		paths, err := a.store.List()
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return errNoArchives
		}
		name = filepath.Base(paths[len(paths)-1])
	}
	if !strings.HasSuffix(name, archive.Extension) {
		return errBadArchive
	}
	if name == a.name && a.db != nil {
		return nil
	}
	path, err := security.ResolveWithin(a.store.Dir(), name)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadArchive, err)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %q", errArchiveGone, name)
	}

	db, err := archive.OpenReadOnly(path)
	if err != nil {
		return err
	}
	a.tsql.SetDB(archiveSQLSource, db, &tailsql.DBOptions{Label: name})
	if a.db != nil {
		a.db.Close()
	}
	a.name, a.db = name, db
	a.logf("tailsql console now reads %s", name)
	return nil
}

// current reports the archive the console reads, if any.
func (a *archiveSQL) current() (string, *sql.DB) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name, a.db
}

func (a *archiveSQL) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	err := a.tsql.Close()
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	a.name = ""
	return err
}
