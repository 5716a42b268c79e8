package chestapi

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/dropchest/dropchest/pkg/appctx"
	"github.com/dropchest/dropchest/pkg/errtypes"
)

type retrievedFile struct {
	FileID        string `json:"fileId"`
	Filename      string `json:"filename"`
	Size          int64  `json:"size"`
	MimeType      string `json:"mimeType"`
	IsText        bool   `json:"isText"`
	FileExtension string `json:"fileExtension"`
}

type retrieveResponse struct {
	Files      []retrievedFile `json:"files"`
	ChestToken string          `json:"chestToken"`
	ExpiryDate *time.Time      `json:"expiryDate"`
}

func (s *svc) retrieveByCode(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RetrieveByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	files := make([]retrievedFile, 0, len(res.Files))
	for _, f := range res.Files {
		files = append(files, retrievedFile{
			FileID:        f.ID,
			Filename:      f.OriginalFilename,
			Size:          f.FileSize,
			MimeType:      f.MimeType,
			IsText:        f.IsText,
			FileExtension: f.FileExtension,
		})
	}
	writeJSON(w, r, http.StatusOK, retrieveResponse{
		Files:      files,
		ChestToken: res.ChestToken,
		ExpiryDate: res.Session.ExpiresAt,
	})
}

// downloadFile streams a blob back to the client. The chest token may come
// from the Authorization header or from a token query parameter so plain
// anchor navigation works.
func (s *svc) downloadFile(w http.ResponseWriter, r *http.Request) {
	tkn := bearerToken(r)
	if tkn == "" {
		tkn = r.URL.Query().Get("token")
	}
	if tkn == "" {
		writeError(w, r, errtypes.InvalidCredentials("missing chest token"))
		return
	}
	claims, err := s.tokens.VerifyChest(r.Context(), tkn)
	if err != nil {
		writeError(w, r, err)
		return
	}

	file, body, size, err := s.engine.Download(r.Context(), claims.SessionID, chi.URLParam(r, "fileID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer body.Close()

	filename := file.OriginalFilename
	if override := r.URL.Query().Get("filename"); override != "" {
		filename = override
	}

	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", contentDisposition(filename))
	if _, err := io.Copy(w, body); err != nil {
		appctx.GetLogger(r.Context()).Error().Err(err).Str("file", file.ID).Msg("error streaming blob to client")
	}
}

// contentDisposition builds an attachment header per RFC 6266. The quoted
// filename is stripped of characters that could break out of the header; a
// filename* parameter carries the exact UTF-8 name when they differ.
func contentDisposition(filename string) string {
	var ascii strings.Builder
	clean := true
	for _, c := range filename {
		switch {
		case c == '"' || c == '\\':
			ascii.WriteRune('_')
			clean = false
		case c < 0x20 || c == 0x7f || c > unicode.MaxASCII:
			ascii.WriteRune('_')
			clean = false
		default:
			ascii.WriteRune(c)
		}
	}

	header := `attachment; filename="` + ascii.String() + `"`
	if !clean {
		header += `; filename*=UTF-8''` + url.PathEscape(filename)
	}
	return header
}
