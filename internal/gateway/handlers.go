package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"wagateway/internal/domain"
	"wagateway/internal/metrics"
)

// sendBody is the JSON/form shape shared by /send and /send-with-path.
// phone and pdfPath are the older field names.
type sendBody struct {
	Target   string `json:"target"`
	Phone    string `json:"phone"`
	Message  string `json:"message"`
	FilePath string `json:"filePath"`
	PDFPath  string `json:"pdfPath"`
}

func (b sendBody) destination() string {
	if t := strings.TrimSpace(b.Target); t != "" {
		return t
	}
	return strings.TrimSpace(b.Phone)
}

func (b sendBody) path() string {
	if b.FilePath != "" {
		return b.FilePath
	}
	return b.PDFPath
}

// flexString accepts a JSON string or number, so {"target": 573001234567}
// works like the quoted form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number")
	}
	*f = flexString(n.String())
	return nil
}

type rawSendBody struct {
	Target   flexString `json:"target"`
	Phone    flexString `json:"phone"`
	Message  string     `json:"message"`
	FilePath string     `json:"filePath"`
	PDFPath  string     `json:"pdfPath"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		body     sendBody
		uploaded string
		err      error
	)
	if ct == "multipart/form-data" {
		body, uploaded, err = s.readMultipart(w, r)
	} else {
		body, err = readSendBody(w, r)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	attachment := uploaded
	if attachment == "" {
		attachment = body.path()
	}

	res, err := s.sender.Send(r.Context(), domain.SendRequest{
		Target:         body.destination(),
		Body:           body.Message,
		AttachmentPath: attachment,
	})
	if err != nil {
		if uploaded != "" {
			os.Remove(uploaded)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSendWithPath(w http.ResponseWriter, r *http.Request) {
	body, err := readSendBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if body.destination() == "" {
		badRequest(w, "phone or target is required")
		return
	}
	path := body.path()
	if body.Message == "" && path == "" {
		badRequest(w, "provide a message or a PDF file path")
		return
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			badRequest(w, "file does not exist at path: "+path)
			return
		}
	}

	res, err := s.sender.Send(r.Context(), domain.SendRequest{
		Target:         body.destination(),
		Body:           body.Message,
		AttachmentPath: path,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	body, err := readSendBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	target := strings.TrimSpace(body.Target)
	if target == "" {
		badRequest(w, `the "target" field (phone number or group) is required`)
		return
	}
	if body.Message == "" {
		badRequest(w, `the "message" field is required`)
		return
	}
	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		badRequest(w, "the message cannot be empty")
		return
	}

	res, err := s.sender.Send(r.Context(), domain.SendRequest{
		Target:   target,
		Body:     msg,
		AwaitAck: true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Status())
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	metrics.SessionRestarts.Inc()
	s.logger.Info("restart requested", "remote", r.RemoteAddr)
	res := s.control.Restart(r.Context())
	code := http.StatusOK
	if !res.Success {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, res)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "delivery journal is disabled"})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	rows, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(rows),
		"messages": rows,
	})
}

// readSendBody decodes a JSON or urlencoded form body.
func readSendBody(w http.ResponseWriter, r *http.Request) (sendBody, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if ct == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return sendBody{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
		}
		return sendBody{
			Target:   r.PostForm.Get("target"),
			Phone:    r.PostForm.Get("phone"),
			Message:  r.PostForm.Get("message"),
			FilePath: r.PostForm.Get("filePath"),
			PDFPath:  r.PostForm.Get("pdfPath"),
		}, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return sendBody{}, err
	}
	var raw rawSendBody
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return sendBody{}, fmt.Errorf("%w: invalid JSON: %v", domain.ErrInvalidRequest, err)
		}
	}
	return sendBody{
		Target:   string(raw.Target),
		Phone:    string(raw.Phone),
		Message:  raw.Message,
		FilePath: raw.FilePath,
		PDFPath:  raw.PDFPath,
	}, nil
}

// readMultipart streams a multipart body. Text fields are collected and the
// single file part (field "pdf" or "file") goes straight to upload storage.
func (s *Server) readMultipart(w http.ResponseWriter, r *http.Request) (sendBody, string, error) {
	var limit int64 = maxJSONBodySize
	if s.uploads != nil {
		limit += s.uploads.MaxSizeBytes()
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mr, err := r.MultipartReader()
	if err != nil {
		return sendBody{}, "", fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	var (
		body   sendBody
		stored string
	)
	fail := func(err error) (sendBody, string, error) {
		if stored != "" {
			os.Remove(stored)
		}
		return sendBody{}, "", err
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err))
		}

		name := part.FormName()
		if part.FileName() != "" {
			if name != "pdf" && name != "file" {
				part.Close()
				continue
			}
			if s.uploads == nil {
				return fail(fmt.Errorf("%w: file uploads are disabled", domain.ErrInvalidRequest))
			}
			if stored != "" {
				return fail(fmt.Errorf("%w: only one file per request", domain.ErrInvalidRequest))
			}
			f, err := s.uploads.Save(part.FileName(), part.Header.Get("Content-Type"), part)
			part.Close()
			if err != nil {
				return fail(err)
			}
			stored = f.Path
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
		part.Close()
		if err != nil {
			return fail(err)
		}
		switch name {
		case "target":
			body.Target = string(value)
		case "phone":
			body.Phone = string(value)
		case "message":
			body.Message = string(value)
		case "filePath":
			body.FilePath = string(value)
		case "pdfPath":
			body.PDFPath = string(value)
		}
	}
	return body, stored, nil
}
