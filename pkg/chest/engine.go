package chest

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dropchest/dropchest/pkg/appctx"
	"github.com/dropchest/dropchest/pkg/blobstore"
	"github.com/dropchest/dropchest/pkg/chest/catalog"
	"github.com/dropchest/dropchest/pkg/errtypes"
	"github.com/dropchest/dropchest/pkg/ids"
	"github.com/dropchest/dropchest/pkg/token"
	"github.com/dropchest/dropchest/pkg/totp"
)

const (
	// sealAttempts bounds retrieval code generation retries on collision.
	sealAttempts = 5
	// maxPartNumber is the highest accepted multipart part number.
	maxPartNumber = 10000

	defaultFilename    = "unnamed-file"
	defaultContentType = "application/octet-stream"
)

// Engine drives the chest lifecycle over the catalog and the blobstore. It
// holds no chest state of its own: requests against different chests are
// fully parallel and conflicts on the same chest resolve through the
// catalog's conditional updates.
type Engine struct {
	catalog catalog.Catalog
	blobs   blobstore.Blobstore
	tokens  token.Manager
	gate    *totp.Gate
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTOTPGate makes chest creation demand a valid TOTP code.
func WithTOTPGate(g *totp.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns a lifecycle engine over the given stores.
func NewEngine(c catalog.Catalog, bs blobstore.Blobstore, tm token.Manager, opts ...Option) *Engine {
	e := &Engine{catalog: c, blobs: bs, tokens: tm, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// TOTPRequired reports whether chest creation is TOTP gated.
func (e *Engine) TOTPRequired() bool {
	return e.gate != nil
}

// CreateResult is the outcome of CreateChest.
type CreateResult struct {
	SessionID   string
	UploadToken string
	ExpiresIn   int
}

// CreateChest opens a new chest and mints its upload token.
func (e *Engine) CreateChest(ctx context.Context, totpCode string) (*CreateResult, error) {
	if e.gate != nil {
		if totpCode == "" {
			return nil, errtypes.InvalidCredentials("totp code required")
		}
		if !e.gate.Verify(totpCode) {
			return nil, errtypes.InvalidCredentials("invalid totp code")
		}
	}

	id := ids.NewUUID()
	if err := e.catalog.InsertSession(ctx, id, e.now()); err != nil {
		return nil, err
	}
	tkn, err := e.tokens.MintUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		SessionID:   id,
		UploadToken: tkn,
		ExpiresIn:   int(token.UploadTTL / time.Second),
	}, nil
}

// UploadItem is one part of an upload request: a streamed binary file or an
// inline text item the handler already buffered.
type UploadItem struct {
	Filename string
	MimeType string
	Size     int64
	IsText   bool
	Body     io.Reader
}

// UploadedFile is the per-item outcome of UploadFiles.
type UploadedFile struct {
	FileID   string
	Filename string
	IsText   bool
}

// UploadFiles stores every item yielded by next into the open chest. File
// bodies stream straight to the blobstore in arrival order, the form is
// strictly sequential; text items are small and upload concurrently.
// The single batched row insert after the last put is the commit point: if
// anything fails the caller sees one error and no rows, and any blobs
// already stored are reclaimed when the reaper collects the session.
// The returned list carries files first, then text items, each in form
// order.
func (e *Engine) UploadFiles(ctx context.Context, sessionID string, next func() (*UploadItem, error)) ([]*UploadedFile, error) {
	if _, err := e.catalog.GetOpenSession(ctx, sessionID); err != nil {
		return nil, err
	}

	now := e.now()
	var files, texts []*UploadedFile
	var rows []*File
	g, gctx := errgroup.WithContext(ctx)

	for {
		item, err := next()
		if err != nil {
			_ = g.Wait()
			return nil, err
		}
		if item == nil {
			break
		}

		fileID := ids.NewUUID()
		key := BlobKey(sessionID, fileID)

		filename := item.Filename
		mimeType := item.MimeType
		size := item.Size
		if item.IsText {
			mimeType = "text/plain"
			if filename == "" {
				filename = textFilename(now)
			}
			body := item.Body
			g.Go(func() error {
				return e.blobs.Put(gctx, key, body, item.Size, mimeType)
			})
		} else {
			if filename == "" {
				filename = defaultFilename
			}
			if mimeType == "" {
				mimeType = defaultContentType
			}
			// Form parts do not announce their length up front, so the
			// size is counted while the body streams through.
			cr := &countingReader{r: item.Body}
			if err := e.blobs.Put(ctx, key, cr, item.Size, mimeType); err != nil {
				_ = g.Wait()
				return nil, err
			}
			if size < 0 {
				size = cr.n
			}
		}

		rows = append(rows, &File{
			ID:               fileID,
			SessionID:        sessionID,
			OriginalFilename: filename,
			MimeType:         mimeType,
			FileSize:         size,
			FileExtension:    extensionOf(filename),
			IsText:           item.IsText,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		uploaded := &UploadedFile{FileID: fileID, Filename: filename, IsText: item.IsText}
		if item.IsText {
			texts = append(texts, uploaded)
		} else {
			files = append(files, uploaded)
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := e.catalog.InsertFiles(ctx, rows); err != nil {
		return nil, err
	}
	return append(files, texts...), nil
}

// MultipartResult is the outcome of CreateMultipart. Token is returned as
// "uploadId" on the wire: the client's only handle on the in-flight upload
// is the token itself.
type MultipartResult struct {
	FileID string
	Token  string
}

// CreateMultipart starts a resumable upload into the open chest. No files
// row is written yet; the token carries the whole pending state.
func (e *Engine) CreateMultipart(ctx context.Context, sessionID, filename, mimeType string, fileSize int64) (*MultipartResult, error) {
	if filename == "" || mimeType == "" {
		return nil, errtypes.BadRequest("filename and mimeType are required")
	}
	if fileSize <= 0 {
		return nil, errtypes.BadRequest("fileSize must be positive")
	}
	if _, err := e.catalog.GetOpenSession(ctx, sessionID); err != nil {
		return nil, err
	}

	fileID := ids.NewUUID()
	uploadID, err := e.blobs.InitiateMultipart(ctx, BlobKey(sessionID, fileID))
	if err != nil {
		return nil, err
	}
	tkn, err := e.tokens.MintMultipart(ctx, &token.MultipartClaims{
		SessionID: sessionID,
		FileID:    fileID,
		UploadID:  uploadID,
		Filename:  filename,
		MimeType:  mimeType,
		FileSize:  fileSize,
	})
	if err != nil {
		return nil, err
	}
	return &MultipartResult{FileID: fileID, Token: tkn}, nil
}

// UploadPart streams one part of a resumable upload. Parts arrive in any
// order and re-uploading a part number replaces the prior part.
func (e *Engine) UploadPart(ctx context.Context, claims *token.MultipartClaims, partNumber int, r io.Reader, size int64) (string, error) {
	if partNumber < 1 || partNumber > maxPartNumber {
		return "", errtypes.BadRequest("part number out of range")
	}
	if size == 0 {
		return "", errtypes.BadRequest("empty part body")
	}
	key := BlobKey(claims.SessionID, claims.FileID)
	return e.blobs.PutPart(ctx, key, claims.UploadID, partNumber, r, size)
}

// CompleteMultipart assembles the blob and then, and only then, inserts the
// files row, so an aborted upload never leaves a dangling row.
func (e *Engine) CompleteMultipart(ctx context.Context, claims *token.MultipartClaims, parts []blobstore.Part) (*File, error) {
	if len(parts) == 0 {
		return nil, errtypes.BadRequest("parts must not be empty")
	}
	sorted := make([]blobstore.Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	key := BlobKey(claims.SessionID, claims.FileID)
	if err := e.blobs.CompleteMultipart(ctx, key, claims.UploadID, sorted); err != nil {
		return nil, err
	}

	now := e.now()
	f := &File{
		ID:               claims.FileID,
		SessionID:        claims.SessionID,
		OriginalFilename: claims.Filename,
		MimeType:         claims.MimeType,
		FileSize:         claims.FileSize,
		FileExtension:    extensionOf(claims.Filename),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.catalog.InsertFiles(ctx, []*File{f}); err != nil {
		return nil, err
	}
	return f, nil
}

// SealResult is the outcome of Seal.
type SealResult struct {
	RetrievalCode string
	ExpiresAt     *time.Time
}

// Seal closes the chest and binds it to a retrieval code. The submitted file
// ids must match the chest's live files exactly; a concurrent or repeated
// seal loses the conditional update and reports NotFound.
func (e *Engine) Seal(ctx context.Context, sessionID string, fileIDs []string, validityDays int) (*SealResult, error) {
	for _, id := range fileIDs {
		if !ids.IsUUID(id) {
			return nil, errtypes.BadRequest("invalid file id " + id)
		}
	}

	now := e.now()
	expiresAt, err := ExpiryFor(validityDays, now)
	if err != nil {
		return nil, err
	}

	// Cardinality first, it is cheap; the listing then pins down the exact
	// set.
	count, err := e.catalog.CountSessionFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if count != len(fileIDs) {
		return nil, errtypes.BadRequest("file list does not match chest contents")
	}
	stored, err := e.catalog.ListSessionFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := matchFileSet(stored, fileIDs); err != nil {
		return nil, err
	}

	log := appctx.GetLogger(ctx)
	for attempt := 0; attempt < sealAttempts; attempt++ {
		code, err := ids.NewRetrievalCode()
		if err != nil {
			return nil, err
		}
		err = e.catalog.MarkSealed(ctx, sessionID, code, expiresAt, now)
		if err == nil {
			return &SealResult{RetrievalCode: code, ExpiresAt: expiresAt}, nil
		}
		if _, ok := err.(errtypes.IsAlreadyExists); ok {
			log.Warn().Str("session", sessionID).Int("attempt", attempt+1).Msg("retrieval code collision, retrying")
			continue
		}
		return nil, err
	}
	return nil, errtypes.AlreadyExists("could not allocate a unique retrieval code")
}

// matchFileSet checks that submitted ids and stored rows are exactly the
// same set, rejecting duplicates and foreign ids alike.
func matchFileSet(stored []*File, submitted []string) error {
	if len(stored) != len(submitted) {
		return errtypes.BadRequest("file list does not match chest contents")
	}
	pending := make(map[string]bool, len(stored))
	for _, f := range stored {
		pending[f.ID] = true
	}
	for _, id := range submitted {
		if !pending[id] {
			return errtypes.BadRequest("file list does not match chest contents")
		}
		delete(pending, id)
	}
	return nil
}

// RetrieveResult is the outcome of RetrieveByCode.
type RetrieveResult struct {
	Session    *Session
	Files      []*File
	ChestToken string
}

// RetrieveByCode redeems a retrieval code for the chest's file listing and a
// chest token expiring together with the chest.
func (e *Engine) RetrieveByCode(ctx context.Context, code string) (*RetrieveResult, error) {
	if !ids.IsRetrievalCode(code) {
		return nil, errtypes.BadRequest("invalid retrieval code format")
	}
	s, err := e.catalog.GetSealedByCode(ctx, code, e.now())
	if err != nil {
		return nil, err
	}
	files, err := e.catalog.ListSessionFiles(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	tkn, err := e.tokens.MintChest(ctx, s.ID, s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &RetrieveResult{Session: s, Files: files, ChestToken: tkn}, nil
}

// Download returns the file row and its streaming blob body. The chest
// token's session must own the file.
func (e *Engine) Download(ctx context.Context, sessionID, fileID string) (*File, io.ReadCloser, int64, error) {
	if !ids.IsUUID(fileID) {
		return nil, nil, 0, errtypes.BadRequest("invalid file id")
	}
	f, err := e.catalog.GetDownloadableFile(ctx, fileID, e.now())
	if err != nil {
		return nil, nil, 0, err
	}
	if f.SessionID != sessionID {
		return nil, nil, 0, errtypes.PermissionDenied("file is not part of this chest")
	}
	body, size, err := e.blobs.Get(ctx, BlobKey(f.SessionID, f.ID))
	if err != nil {
		return nil, nil, 0, err
	}
	return f, body, size, nil
}

// TextItemBody wraps an inline text payload for UploadFiles.
func TextItemBody(content string) (io.Reader, int64) {
	b := []byte(content)
	return bytes.NewReader(b), int64(len(b))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func textFilename(now time.Time) string {
	return "text-" + strconv.FormatInt(now.UnixMilli(), 10) + ".txt"
}

func extensionOf(filename string) string {
	ext := path.Ext(filename)
	if ext == "" {
		return ""
	}
	return ext[1:]
}
