package handlers

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/corekeeper/ckcore/internal/api"
)

// CommandHeader carries the command line of a multipart CLI request.
const CommandHeader = "Ck-Command"

// maxCommandBody bounds a plain-text command line body.
const maxCommandBody = 1 << 20

// maxUploadMemory is the in-memory budget of multipart uploads; larger
// files spill to disk via the multipart reader.
const maxUploadMemory = 32 << 20

// readCommand extracts the command line, env and uploaded files from a
// CLI request. Multipart requests carry the command in the Ck-Command
// header and one file per part; everything else is a plain-text body.
func readCommand(r *http.Request) (line string, env map[string]string, files map[string]string, err error) {
	env = map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			env[key] = values[0]
		}
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		line = r.Header.Get(CommandHeader)
		if line == "" {
			return "", nil, nil, fmt.Errorf("multipart request without a %s header", CommandHeader)
		}
		files, err = readUploads(r)
		if err != nil {
			return "", nil, nil, err
		}
		return line, env, files, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		return "", nil, nil, fmt.Errorf("reading command body: %w", err)
	}
	return strings.TrimSpace(string(body)), env, map[string]string{}, nil
}

func readUploads(r *http.Request) (map[string]string, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, fmt.Errorf("parsing multipart body: %w", err)
	}
	files := map[string]string{}
	for name, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		path, err := uploadPath(headers[0])
		if err != nil {
			return nil, fmt.Errorf("upload %q: %w", name, err)
		}
		files[name] = path
	}
	return files, nil
}

// uploadPath materializes one multipart file on disk and returns its
// path. Files the multipart reader already spilled are reused in place.
func uploadPath(header *multipart.FileHeader) (string, error) {
	f, err := header.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	if osFile, ok := f.(interface{ Name() string }); ok {
		return osFile.Name(), nil
	}
	return spillUpload(f)
}

// spillUpload copies an in-memory part to a temp file so commands can
// open it by path.
func spillUpload(f multipart.File) (string, error) {
	tmp, err := os.CreateTemp("", "ckcore-upload-*")
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, f); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (h *Handlers) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	line, env, files, err := readCommand(r)
	if err != nil {
		api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
			http.StatusBadRequest, "%v", err))
		return
	}
	plan, err := h.Executor.Evaluate(r.Context(), env, files, line)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, plan)
}

func (h *Handlers) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	line, env, files, err := readCommand(r)
	if err != nil {
		api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
			http.StatusBadRequest, "%v", err))
		return
	}
	it, err := h.Executor.Execute(r.Context(), env, files, line)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	h.renderStream(w, r, it)
}
