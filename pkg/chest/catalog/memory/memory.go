// Package memory implements the catalog in process memory. It backs the
// engine tests and the dev mode of the server; the semantics mirror the sql
// driver, soft-delete included.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dropchest/dropchest/pkg/chest"
	"github.com/dropchest/dropchest/pkg/chest/catalog"
	"github.com/dropchest/dropchest/pkg/chest/catalog/registry"
	"github.com/dropchest/dropchest/pkg/errtypes"
)

func init() {
	registry.Register("memory", New)
}

type sessionRow struct {
	chest.Session
	deleted bool
}

type fileRow struct {
	chest.File
	seq     int
	deleted bool
}

type mgr struct {
	mu       sync.Mutex
	sessions map[string]*sessionRow
	files    map[string]*fileRow
	codes    map[string]bool
	seq      int
}

// New returns an empty in-memory catalog.
func New(_ map[string]interface{}) (catalog.Catalog, error) {
	return &mgr{
		sessions: map[string]*sessionRow{},
		files:    map[string]*fileRow{},
		codes:    map[string]bool{},
	}, nil
}

func (m *mgr) InsertSession(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return errtypes.AlreadyExists("session " + id)
	}
	m.sessions[id] = &sessionRow{Session: chest.Session{ID: id, CreatedAt: now, UpdatedAt: now}}
	return nil
}

func (m *mgr) GetOpenSession(ctx context.Context, id string) (*chest.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.deleted || s.UploadComplete {
		return nil, errtypes.NotFound("open session " + id)
	}
	cp := s.Session
	return &cp, nil
}

func (m *mgr) GetSealedByCode(ctx context.Context, code string, now time.Time) (*chest.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.deleted || !s.UploadComplete || s.RetrievalCode != code {
			continue
		}
		if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
			continue
		}
		cp := s.Session
		return &cp, nil
	}
	return nil, errtypes.NotFound("retrieval code " + code)
}

func (m *mgr) MarkSealed(ctx context.Context, id, code string, expiresAt *time.Time, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.deleted || s.UploadComplete {
		return errtypes.NotFound("open session " + id)
	}
	if m.codes[code] {
		return errtypes.AlreadyExists("retrieval code " + code)
	}
	s.RetrievalCode = code
	s.UploadComplete = true
	if expiresAt != nil {
		t := *expiresAt
		s.ExpiresAt = &t
	}
	s.UpdatedAt = now
	m.codes[code] = true
	return nil
}

func (m *mgr) InsertFiles(ctx context.Context, files []*chest.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range files {
		if _, ok := m.files[f.ID]; ok {
			return errtypes.AlreadyExists("file " + f.ID)
		}
	}
	for _, f := range files {
		m.seq++
		m.files[f.ID] = &fileRow{File: *f, seq: m.seq}
	}
	return nil
}

func (m *mgr) ListSessionFiles(ctx context.Context, sessionID string) ([]*chest.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*fileRow
	for _, f := range m.files {
		if f.deleted || f.SessionID != sessionID {
			continue
		}
		rows = append(rows, f)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	files := make([]*chest.File, 0, len(rows))
	for _, r := range rows {
		cp := r.File
		files = append(files, &cp)
	}
	return files, nil
}

func (m *mgr) CountSessionFiles(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, f := range m.files {
		if !f.deleted && f.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (m *mgr) GetDownloadableFile(ctx context.Context, fileID string, now time.Time) (*chest.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok || f.deleted {
		return nil, errtypes.NotFound("file " + fileID)
	}
	s, ok := m.sessions[f.SessionID]
	if !ok || s.deleted || !s.UploadComplete {
		return nil, errtypes.NotFound("file " + fileID)
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return nil, errtypes.NotFound("file " + fileID)
	}
	cp := f.File
	return &cp, nil
}

func (m *mgr) SoftDeleteSessionFiles(ctx context.Context, sessionID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if !f.deleted && f.SessionID == sessionID {
			f.deleted = true
			f.UpdatedAt = now
		}
	}
	return nil
}

func (m *mgr) SoftDeleteSession(ctx context.Context, sessionID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && !s.deleted {
		s.deleted = true
		s.UpdatedAt = now
	}
	return nil
}

func (m *mgr) SelectExpiredSessions(ctx context.Context, now time.Time) ([]*chest.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*chest.Session
	for _, s := range m.sessions {
		if s.deleted || !s.UploadComplete || s.ExpiresAt == nil {
			continue
		}
		if !s.ExpiresAt.After(now) {
			cp := s.Session
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mgr) SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]*chest.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*chest.Session
	for _, s := range m.sessions {
		if s.deleted || s.UploadComplete {
			continue
		}
		if s.CreatedAt.Before(cutoff) {
			cp := s.Session
			out = append(out, &cp)
		}
	}
	return out, nil
}
