package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/recording"
	"github.com/open-beagle/bdwind-vcam/internal/router"
	"github.com/open-beagle/bdwind-vcam/internal/sink"
)

// maxBodyBytes 命令请求体上限
const maxBodyBytes = 64 << 10

type startRequest struct {
	Path   string   `json:"path"`
	Loop   *bool    `json:"loop"`
	Volume *float64 `json:"volume"`
}

type switchRequest struct {
	Path string `json:"path"`
}

type stopRequest struct {
	Release bool `json:"release"`
}

type volumeRequest struct {
	Volume *float64 `json:"volume"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type recordStartRequest struct {
	Path   string            `json:"path"`
	Preset *recording.Preset `json:"preset"`
}

// errorResponse 统一错误格式
type errorResponse struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// requestError 请求本身无效
type requestError struct {
	kind string
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(kind, format string, args ...interface{}) error {
	return &requestError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// SetupRoutes 注册命令接口
func (m *Manager) SetupRoutes(r *mux.Router) error {
	api := r.PathPrefix("/api").Subrouter()

	streams := api.PathPrefix("/streams/{type}").Subrouter()
	streams.HandleFunc("/start", m.handleStart).Methods(http.MethodPost)
	streams.HandleFunc("/switch", m.handleSwitch).Methods(http.MethodPost)
	streams.HandleFunc("/stop", m.handleStop).Methods(http.MethodPost)
	streams.HandleFunc("/volume", m.handleVolume).Methods(http.MethodPost)
	streams.HandleFunc("/mute", m.handleMute).Methods(http.MethodPost)
	streams.HandleFunc("/status", m.handleStreamStatus).Methods(http.MethodGet)

	api.HandleFunc("/status", m.handleStatus).Methods(http.MethodGet)
	api.Handle("/status/ws", m.hub).Methods(http.MethodGet)

	api.HandleFunc("/recording/start", m.handleRecordStart).Methods(http.MethodPost)
	api.HandleFunc("/recording/stop", m.handleRecordStop).Methods(http.MethodPost)
	api.HandleFunc("/recording/status", m.handleRecordStatus).Methods(http.MethodGet)

	api.HandleFunc("/devices", m.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/sync", m.handleSync).Methods(http.MethodGet)
	return nil
}

func (m *Manager) handleStart(w http.ResponseWriter, r *http.Request) {
	mt, err := mediaTypeVar(r)
	if err != nil {
		m.writeError(w, err)
		return
	}
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeError(w, err)
		return
	}
	if req.Path == "" {
		m.writeError(w, badRequest("InvalidRequest", "path is required"))
		return
	}

	cfg := m.config()
	loop := cfg.Engine.Loop
	if req.Loop != nil {
		loop = *req.Loop
	}
	volume := cfg.Router.DefaultVolume
	if req.Volume != nil {
		volume = *req.Volume
	}

	if err := m.router.Start(r.Context(), mt, req.Path, loop, volume); err != nil {
		m.writeError(w, err)
		return
	}
	m.writeStreamStatus(w, mt)
}

func (m *Manager) handleSwitch(w http.ResponseWriter, r *http.Request) {
	mt, err := mediaTypeVar(r)
	if err != nil {
		m.writeError(w, err)
		return
	}
	var req switchRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeError(w, err)
		return
	}
	if req.Path == "" {
		m.writeError(w, badRequest("InvalidRequest", "path is required"))
		return
	}
	if err := m.router.Switch(r.Context(), mt, req.Path); err != nil {
		m.writeError(w, err)
		return
	}
	m.writeStreamStatus(w, mt)
}

func (m *Manager) handleStop(w http.ResponseWriter, r *http.Request) {
	mt, err := mediaTypeVar(r)
	if err != nil {
		m.writeError(w, err)
		return
	}
	var req stopRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeError(w, err)
		return
	}
	if err := m.router.Stop(r.Context(), mt, req.Release); err != nil {
		m.writeError(w, err)
		return
	}
	m.writeStreamStatus(w, mt)
}

func (m *Manager) handleVolume(w http.ResponseWriter, r *http.Request) {
	mt, err := mediaTypeVar(r)
	if err != nil {
		m.writeError(w, err)
		return
	}
	var req volumeRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeError(w, err)
		return
	}
	if req.Volume == nil {
		m.writeError(w, badRequest("InvalidRequest", "volume is required"))
		return
	}
	if err := m.router.SetVolume(mt, *req.Volume); err != nil {
		m.writeError(w, err)
		return
	}
	m.writeStreamStatus(w, mt)
}

func (m *Manager) handleMute(w http.ResponseWriter, r *http.Request) {
	mt, err := mediaTypeVar(r)
	if err != nil {
		m.writeError(w, err)
		return
	}
	var req muteRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeError(w, err)
		return
	}
	if req.Muted == nil {
		m.writeError(w, badRequest("InvalidRequest", "muted is required"))
		return
	}
	if err := m.router.SetMuted(mt, *req.Muted); err != nil {
		m.writeError(w, err)
		return
	}
	m.writeStreamStatus(w, mt)
}

func (m *Manager) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	mt, err := mediaTypeVar(r)
	if err != nil {
		m.writeError(w, err)
		return
	}
	m.writeStreamStatus(w, mt)
}

func (m *Manager) writeStreamStatus(w http.ResponseWriter, mt media.Type) {
	st, err := m.router.Status(mt)
	if err != nil {
		m.writeError(w, err)
		return
	}
	m.writeJSON(w, http.StatusOK, st)
}

func (m *Manager) handleStatus(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, http.StatusOK, m.Snapshot())
}

func (m *Manager) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	var req recordStartRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeError(w, err)
		return
	}

	var preset recording.Preset
	if req.Preset != nil {
		preset = *req.Preset
		// 空字段由会话按默认预设补齐，这里只校验给出的字段
		if err := preset.WithDefaults(recording.DefaultPreset()).Validate(); err != nil {
			m.writeError(w, badRequest("InvalidPreset", "%v", err))
			return
		}
	}

	if err := m.recorder.Start(r.Context(), req.Path, preset); err != nil {
		if m.events != nil {
			m.events.Recording("recording_start_failed", req.Path, err)
		}
		m.writeError(w, err)
		return
	}
	st := m.recorder.Status()
	if m.events != nil {
		m.events.Recording("recording_started", st.OutputPath, nil)
	}
	m.writeJSON(w, http.StatusOK, st)
}

func (m *Manager) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	path, err := m.recorder.Stop(r.Context())
	if m.events != nil && path != "" {
		m.events.Recording("recording_stopped", path, err)
	}
	if err != nil {
		m.writeError(w, err)
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"path":   path,
	})
}

func (m *Manager) handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, http.StatusOK, m.recorder.Status())
}

func (m *Manager) handleDevices(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]sink.Inventory, len(media.Types))
	for _, mt := range media.Types {
		out[mt.String()] = sink.ListDevices(r.Context(), m.registries[mt])
	}
	m.writeJSON(w, http.StatusOK, out)
}

func (m *Manager) handleSync(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, http.StatusOK, m.syncer.Status())
}

func mediaTypeVar(r *http.Request) (media.Type, error) {
	mt, err := media.ParseType(mux.Vars(r)["type"])
	if err != nil {
		return 0, badRequest("InvalidMediaType", "%v", err)
	}
	return mt, nil
}

// decodeBody 解析 JSON 请求体，空请求体视为 {}
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("InvalidRequest", "invalid request body: %v", err)
	}
	return nil
}

// classify 把领域错误映射为 HTTP 状态码和错误类型
func classify(err error) (int, string) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return http.StatusBadRequest, reqErr.kind
	}

	if k, ok := recording.KindOf(err); ok {
		switch k {
		case recording.DiskFull:
			return http.StatusInsufficientStorage, k.String()
		case recording.MuxerFailure:
			return http.StatusInternalServerError, k.String()
		default:
			return http.StatusConflict, k.String()
		}
	}

	if k, ok := decoder.KindOf(err); ok {
		switch k {
		case decoder.IoFailure:
			return http.StatusNotFound, k.String()
		default:
			return http.StatusUnprocessableEntity, k.String()
		}
	}

	if k, ok := sink.KindOf(err); ok {
		switch k {
		case sink.FormatRejected:
			return http.StatusUnprocessableEntity, k.String()
		default:
			return http.StatusServiceUnavailable, k.String()
		}
	}

	switch {
	case errors.Is(err, router.ErrInvalidVolume):
		return http.StatusBadRequest, "InvalidVolume"
	case errors.Is(err, router.ErrUnknownMediaType):
		return http.StatusBadRequest, "InvalidMediaType"
	case errors.Is(err, router.ErrNotStreaming):
		return http.StatusConflict, "NotStreaming"
	case errors.Is(err, router.ErrClosed):
		return http.StatusServiceUnavailable, "Closed"
	}
	return http.StatusInternalServerError, "Internal"
}

func (m *Manager) writeError(w http.ResponseWriter, err error) {
	code, kind := classify(err)
	resp := errorResponse{Status: "error", Kind: kind, Message: err.Error()}

	var re *recording.RecordError
	if errors.As(err, &re) && re.Partial {
		resp.Path = re.Path
	}

	if code >= http.StatusInternalServerError {
		m.logger.Errorf("Command failed (%s): %v", kind, err)
	} else {
		m.logger.Debugf("Command rejected (%s): %v", kind, err)
	}
	m.writeJSON(w, code, resp)
}

func (m *Manager) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		m.logger.Debugf("Failed to encode JSON: %v", err)
	}
}
