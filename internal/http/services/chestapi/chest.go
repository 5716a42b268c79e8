package chestapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropchest/dropchest/pkg/chest"
	"github.com/dropchest/dropchest/pkg/errtypes"
)

type createChestRequest struct {
	TOTPToken string `json:"totpToken"`
}

type createChestResponse struct {
	SessionID   string `json:"sessionId"`
	UploadToken string `json:"uploadToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

func (s *svc) createChest(w http.ResponseWriter, r *http.Request) {
	var req createChestRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	res, err := s.engine.CreateChest(r.Context(), req.TOTPToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, createChestResponse{
		SessionID:   res.SessionID,
		UploadToken: res.UploadToken,
		ExpiresIn:   res.ExpiresIn,
	})
}

// authorizeUpload verifies the upload token and binds it to the session in
// the path.
func (s *svc) authorizeUpload(r *http.Request) (string, error) {
	tkn := bearerToken(r)
	if tkn == "" {
		return "", errtypes.InvalidCredentials("missing upload token")
	}
	claims, err := s.tokens.VerifyUpload(r.Context(), tkn)
	if err != nil {
		return "", err
	}
	sessionID := chi.URLParam(r, "sessionID")
	if claims.SessionID != sessionID {
		return "", errtypes.PermissionDenied("token does not authorize this chest")
	}
	return sessionID, nil
}

type uploadedFileResponse struct {
	FileID   string `json:"fileId"`
	Filename string `json:"filename"`
	IsText   bool   `json:"isText"`
}

type uploadFilesResponse struct {
	UploadedFiles []uploadedFileResponse `json:"uploadedFiles"`
}

type textItemRequest struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
}

// uploadFiles streams a multipart form into the chest. "files" parts stream
// straight through to the blob store; "textItems" parts carry small JSON
// payloads and are buffered.
func (s *svc) uploadFiles(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.authorizeUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, errtypes.BadRequest("expected a multipart form body"))
		return
	}

	next := func() (*chest.UploadItem, error) {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil, nil
			}
			if err != nil {
				return nil, errtypes.BadRequest("malformed multipart form")
			}
			switch part.FormName() {
			case "files":
				return &chest.UploadItem{
					Filename: part.FileName(),
					MimeType: part.Header.Get("Content-Type"),
					Size:     -1,
					Body:     part,
				}, nil
			case "textItems":
				var ti textItemRequest
				if err := json.NewDecoder(part).Decode(&ti); err != nil {
					return nil, errtypes.BadRequest("malformed text item")
				}
				body, size := chest.TextItemBody(ti.Content)
				return &chest.UploadItem{
					Filename: ti.Filename,
					IsText:   true,
					Size:     size,
					Body:     body,
				}, nil
			default:
				// Unknown form fields are ignored.
			}
		}
	}

	uploaded, err := s.engine.UploadFiles(r.Context(), sessionID, next)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res := uploadFilesResponse{UploadedFiles: make([]uploadedFileResponse, 0, len(uploaded))}
	for _, u := range uploaded {
		res.UploadedFiles = append(res.UploadedFiles, uploadedFileResponse{
			FileID:   u.FileID,
			Filename: u.Filename,
			IsText:   u.IsText,
		})
	}
	writeJSON(w, r, http.StatusOK, res)
}

type sealChestRequest struct {
	FileIDs      []string `json:"fileIds"`
	ValidityDays int      `json:"validityDays"`
}

type sealChestResponse struct {
	RetrievalCode string     `json:"retrievalCode"`
	ExpiryDate    *time.Time `json:"expiryDate"`
}

func (s *svc) sealChest(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.authorizeUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req sealChestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.engine.Seal(r.Context(), sessionID, req.FileIDs, req.ValidityDays)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sealChestResponse{
		RetrievalCode: res.RetrievalCode,
		ExpiryDate:    res.ExpiresAt,
	})
}
