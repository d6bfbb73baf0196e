package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
)

var _ heal.ArtifactSink = (*Store)(nil)

// ErrArtifactNotFound is returned for unknown artifact ids.
var ErrArtifactNotFound = &core.Error{Kind: core.KindNotFound, Message: "artifact not found"}

// Artifact is a stored file linked to a healing session.
type Artifact struct {
	ArtifactID  string `json:"artifact_id"`
	SessionID   string `json:"session_id"`
	Name        string `json:"name"`
	URI         string `json:"uri"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
	CreatedAt   string `json:"created_at"`
}

// SaveArtifact writes data under the artifact directory, records its SHA-256 and
// returns the artifact id.
func (s *Store) SaveArtifact(ctx context.Context, sessionID, name string, data []byte) (string, error) {
	art, err := s.PutArtifact(ctx, sessionID, name, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return art.ArtifactID, nil
}

// PutArtifact streams body to disk and inserts its metadata row.
func (s *Store) PutArtifact(ctx context.Context, sessionID, name string, body io.Reader) (*Artifact, error) {
	if s.artifactDir == "" {
		return nil, errors.New("store: artifact directory is not configured")
	}
	if strings.ContainsAny(sessionID, `/\`) || sessionID == "" || sessionID == "." || sessionID == ".." {
		return nil, core.ValidationErrorf("invalid session id %q", sessionID)
	}
	id := uuid.NewString()
	dir := filepath.Join(s.artifactDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir artifact: %w", err)
	}

	fpath := filepath.Join(dir, id)
	f, err := os.Create(fpath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), body)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(fpath)
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	art := &Artifact{
		ArtifactID:  id,
		SessionID:   sessionID,
		Name:        name,
		URI:         "file://" + fpath,
		SHA256:      hex.EncodeToString(h.Sum(nil)),
		SizeBytes:   n,
		ContentType: contentType(name),
		CreatedAt:   ts(s.now()),
	}
	_, err = s.conn.ExecContext(ctx, s.q(`
INSERT INTO artifacts (artifact_id, session_id, name, uri, sha256, size_bytes, content_type, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`),
		art.ArtifactID, art.SessionID, art.Name, art.URI, art.SHA256, art.SizeBytes, art.ContentType, art.CreatedAt,
	)
	if err != nil {
		os.Remove(fpath)
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return art, nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".diff", ".patch":
		return "text/x-diff"
	case ".json":
		return "application/json"
	case ".log", ".txt":
		return "text/plain"
	}
	return "application/octet-stream"
}

const artifactColumns = `artifact_id, session_id, name, uri, sha256, size_bytes, content_type, created_at`

func scanArtifact(row interface{ Scan(...any) error }) (*Artifact, error) {
	a := &Artifact{}
	err := row.Scan(&a.ArtifactID, &a.SessionID, &a.Name, &a.URI, &a.SHA256, &a.SizeBytes, &a.ContentType, &a.CreatedAt)
	return a, err
}

func (s *Store) GetArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	a, err := scanArtifact(s.conn.QueryRowContext(ctx,
		s.q(`SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = $1`), artifactID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns a session's artifacts in creation order.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]*Artifact, error) {
	rows, err := s.conn.QueryContext(ctx,
		s.q(`SELECT `+artifactColumns+` FROM artifacts WHERE session_id = $1 ORDER BY created_at, artifact_id`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := make([]*Artifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReadArtifact returns the stored bytes after checking them against the recorded hash.
func (s *Store) ReadArtifact(ctx context.Context, artifactID string) ([]byte, error) {
	art, err := s.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(art.URI, "file://") {
		return nil, fmt.Errorf("unsupported artifact URI: %s", art.URI)
	}
	b, err := os.ReadFile(strings.TrimPrefix(art.URI, "file://"))
	if err != nil {
		return nil, fmt.Errorf("read artifact file: %w", err)
	}
	sum := sha256.Sum256(b)
	if hex.EncodeToString(sum[:]) != art.SHA256 {
		return nil, fmt.Errorf("artifact %s does not match its recorded sha256", artifactID)
	}
	return b, nil
}
