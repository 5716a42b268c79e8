package chestapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dropchest/dropchest/pkg/blobstore"
	"github.com/dropchest/dropchest/pkg/errtypes"
	"github.com/dropchest/dropchest/pkg/token"
)

type createMultipartRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	FileSize int64  `json:"fileSize"`
}

// createMultipartResponse returns the multipart token under the uploadId
// key: the token is the client's only handle on the in-flight upload.
type createMultipartResponse struct {
	FileID   string `json:"fileId"`
	UploadID string `json:"uploadId"`
}

func (s *svc) createMultipart(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.authorizeUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req createMultipartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.engine.CreateMultipart(r.Context(), sessionID, req.Filename, req.MimeType, req.FileSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, createMultipartResponse{FileID: res.FileID, UploadID: res.Token})
}

// authorizeMultipart verifies the multipart token and binds it to the
// session and file in the path.
func (s *svc) authorizeMultipart(r *http.Request) (*token.MultipartClaims, error) {
	tkn := bearerToken(r)
	if tkn == "" {
		return nil, errtypes.InvalidCredentials("missing multipart token")
	}
	claims, err := s.tokens.VerifyMultipart(r.Context(), tkn)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != chi.URLParam(r, "sessionID") || claims.FileID != chi.URLParam(r, "fileID") {
		return nil, errtypes.PermissionDenied("token does not authorize this upload")
	}
	return claims, nil
}

type uploadPartResponse struct {
	ETag       string `json:"etag"`
	PartNumber int    `json:"partNumber"`
}

func (s *svc) uploadPart(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authorizeMultipart(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	partNumber, err := strconv.Atoi(chi.URLParam(r, "partNumber"))
	if err != nil {
		writeError(w, r, errtypes.BadRequest("invalid part number"))
		return
	}
	// Parts stream to the blob store, which needs the length up front.
	if r.ContentLength <= 0 {
		writeError(w, r, errtypes.BadRequest("empty part body"))
		return
	}

	etag, err := s.engine.UploadPart(r.Context(), claims, partNumber, r.Body, r.ContentLength)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, uploadPartResponse{ETag: etag, PartNumber: partNumber})
}

type completeMultipartRequest struct {
	Parts []struct {
		PartNumber int    `json:"partNumber"`
		ETag       string `json:"etag"`
	} `json:"parts"`
}

type completeMultipartResponse struct {
	FileID   string `json:"fileId"`
	Filename string `json:"filename"`
}

func (s *svc) completeMultipart(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authorizeMultipart(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req completeMultipartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	parts := make([]blobstore.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, blobstore.Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	file, err := s.engine.CompleteMultipart(r.Context(), claims, parts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, completeMultipartResponse{FileID: file.ID, Filename: file.OriginalFilename})
}
