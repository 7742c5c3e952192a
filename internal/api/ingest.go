package api

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/ingest"
)

// maxUploadMemory is the multipart form size kept in memory; larger parts
// spill to temporary files.
const maxUploadMemory = 32 << 20

// Ingest handles POST /ingest/{kind}. The file comes from the multipart
// "file" field or, for any other content type, the raw body. NDJSON is
// selected by a .jsonl/.ndjson filename or an application/x-ndjson body.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kind, err := ingest.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}

	body, name, err := upload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	res, err := h.svc.IngestBatch(ctx, kind, ingest.NewStream(name, body), "upload:"+name, GetActor(ctx))
	if err != nil && res == nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	switch {
	case errors.Is(err, domain.ErrBatchFailed):
		status = http.StatusUnprocessableEntity
	case err != nil:
		slog.Warn("ingest ended early", "kind", kind, "error", err)
	}
	writeJSON(w, status, res)
}

func upload(r *http.Request) (io.ReadCloser, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			return nil, "", domain.Invalid("file", "malformed multipart body: %v", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", domain.Invalid("file", "multipart field is required")
		}
		return file, header.Filename, nil
	case mediaType == "application/x-ndjson" || mediaType == "application/jsonl":
		return r.Body, "body.jsonl", nil
	default:
		return r.Body, "body.csv", nil
	}
}
