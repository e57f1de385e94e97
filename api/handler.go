package api

import (
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"framestream/annotate"
	"framestream/config"
	"framestream/mjpeg"
	"framestream/stream"
	"framestream/task"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const taskIDHeader = "X-Task-Id"

var (
	errInvalidFileID   = errors.New("invalid file_id")
	errAlreadyAttached = errors.New("task is already being streamed")
	errNotFrameTask    = errors.New("task does not produce frames")
)

var (
	imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}
	imageTypes      = []string{"image/jpeg", "image/png", "image/webp"}
)

// Guard decides whether the host can take on another decoding job.
type Guard interface {
	Check() error
}

type Handler struct {
	registry *task.Registry
	cfg      *config.Config
	renderer annotate.Renderer
	guard    Guard
}

func NewHandler(reg *task.Registry, cfg *config.Config, renderer annotate.Renderer, guard Guard) *Handler {
	return &Handler{
		registry: reg,
		cfg:      cfg,
		renderer: renderer,
		guard:    guard,
	}
}

type fileQuery struct {
	FileID string `form:"file_id" binding:"required"`
}

type taskQuery struct {
	TaskID string `form:"task_id" binding:"required"`
}

type taskView struct {
	ID       string     `json:"id"`
	Kind     task.Kind  `json:"kind"`
	State    task.State `json:"state"`
	Progress int        `json:"progress"`
}

func abort(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, task.ErrUnknownTaskKind), errors.Is(err, errInvalidFileID), errors.Is(err, errNotFrameTask):
		return http.StatusBadRequest
	case errors.Is(err, image.ErrFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, errAlreadyAttached):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// resolve joins a client supplied file id onto dir, refusing anything that
// is not a plain file name.
func resolve(dir, fileID string) (string, error) {
	if fileID == "" || fileID != filepath.Base(fileID) || fileID == "." || fileID == ".." {
		return "", fmt.Errorf("%w: %q", errInvalidFileID, fileID)
	}
	p := filepath.Join(dir, fileID)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("file %s: %w", fileID, err)
	}
	return p, nil
}

// handleProcessImage annotates an uploaded still image.
func (h *Handler) handleProcessImage(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		abort(c, http.StatusBadRequest, errors.New("no image part in the request"))
		return
	}
	if !imageExtensions[strings.ToLower(filepath.Ext(fh.Filename))] {
		abort(c, http.StatusUnsupportedMediaType, errors.New("unsupported file format, only JPG, JPEG, PNG and WEBP are supported"))
		return
	}
	h.renderUpload(c, fh, true)
}

// handleProcessFrame annotates a single frame posted by a live client.
func (h *Handler) handleProcessFrame(c *gin.Context) {
	fh, err := c.FormFile("frame")
	if err != nil {
		abort(c, http.StatusBadRequest, errors.New("no frame file provided"))
		return
	}
	h.renderUpload(c, fh, false)
}

func (h *Handler) renderUpload(c *gin.Context, fh *multipart.FileHeader, sniff bool) {
	f, err := fh.Open()
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	defer f.Close()
	if sniff {
		mt, err := mimetype.DetectReader(f)
		if err != nil || !mimetype.EqualsAny(mt.String(), imageTypes...) {
			abort(c, http.StatusUnsupportedMediaType, errors.New("unsupported file format, only JPG, JPEG, PNG and WEBP are supported"))
			return
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
	}
	h.render(c, f)
}

// handleProcessExampleImage annotates one of the bundled example images.
func (h *Handler) handleProcessExampleImage(c *gin.Context) {
	var q fileQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, http.StatusBadRequest, errors.New("no file_id provided"))
		return
	}
	p, err := resolve(h.cfg.ExampleImageDir, q.FileID)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	f, err := os.Open(p)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	defer f.Close()
	h.render(c, f)
}

func (h *Handler) render(c *gin.Context, src io.Reader) {
	out, err := h.renderer.RenderImage(src)
	if err != nil {
		log.Error().Err(err).Msg("error processing image")
		abort(c, statusFor(err), fmt.Errorf("error processing image: %w", err))
		return
	}
	c.Data(http.StatusOK, "image/jpeg", out)
}

// handleUploadVideo stores an MP4 upload and starts annotating it in the
// background. The returned task id is used to stream and poll progress.
func (h *Handler) handleUploadVideo(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxInputSize+1<<20)
	fh, err := c.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, fmt.Errorf("video exceeds %d bytes", h.cfg.MaxInputSize))
			return
		}
		abort(c, http.StatusBadRequest, errors.New("no video part in the request"))
		return
	}
	if fh.Size > h.cfg.MaxInputSize {
		abort(c, http.StatusRequestEntityTooLarge, fmt.Errorf("video exceeds %d bytes", h.cfg.MaxInputSize))
		return
	}
	if err := sniffMP4(fh); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := h.guard.Check(); err != nil {
		abort(c, http.StatusServiceUnavailable, err)
		return
	}

	fileID := uuid.NewString() + ".mp4"
	dst := filepath.Join(h.cfg.TempDir, fileID)
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		log.Error().Err(err).Str("path", dst).Msg("failed to save upload")
		abort(c, http.StatusInternalServerError, errors.New("error uploading video"))
		return
	}

	t, err := h.registry.Create(task.KindProcessFrames, task.Params{FilePath: dst, FileID: fileID})
	if err != nil {
		_ = os.Remove(dst)
		abort(c, statusFor(err), err)
		return
	}
	t.Start()

	log.Info().Str("task_id", t.ID()).Str("file_id", fileID).Int64("size", fh.Size).Msg("video accepted")
	c.JSON(http.StatusOK, gin.H{"file_id": fileID, "task_id": t.ID()})
}

func sniffMP4(fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return fmt.Errorf("detect content type: %w", err)
	}
	if !mt.Is("video/mp4") {
		return fmt.Errorf("file is not an MP4 video (detected %s)", mt.String())
	}
	return nil
}

// handleStreamFrames streams the annotated frames of an uploaded video.
func (h *Handler) handleStreamFrames(c *gin.Context) {
	var q taskQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, http.StatusBadRequest, errors.New("no task_id provided"))
		return
	}
	ft, err := h.frameTask(q.TaskID)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	h.stream(c, ft, false)
}

// handleStreamExampleFrames starts a task for a bundled example video and
// streams it. Example videos are never deleted.
func (h *Handler) handleStreamExampleFrames(c *gin.Context) {
	var q fileQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, http.StatusBadRequest, errors.New("no file_id provided"))
		return
	}
	p, err := resolve(h.cfg.ExampleVideoDir, q.FileID)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	if err := h.guard.Check(); err != nil {
		abort(c, http.StatusServiceUnavailable, err)
		return
	}

	t, err := h.registry.Create(task.KindProcessFrames, task.Params{FilePath: p, FileID: q.FileID})
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	ft, ok := t.(*task.FrameTask)
	if !ok || !ft.Attach() {
		_ = h.registry.Delete(t.ID())
		abort(c, http.StatusInternalServerError, errNotFrameTask)
		return
	}
	ft.Start()
	h.stream(c, ft, true)
}

func (h *Handler) frameTask(id string) (*task.FrameTask, error) {
	t, err := h.registry.Get(id)
	if err != nil {
		return nil, err
	}
	ft, ok := t.(*task.FrameTask)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNotFrameTask, id)
	}
	if !ft.Attach() {
		return nil, fmt.Errorf("%w: %s", errAlreadyAttached, id)
	}
	return ft, nil
}

// stream writes the multipart response until the task finishes or the
// client goes away. The caller must already hold the task's attachment.
func (h *Handler) stream(c *gin.Context, ft *task.FrameTask, keepSource bool) {
	a := stream.New(h.registry, ft, stream.Options{
		PollTimeout: h.cfg.PollTimeout,
		KeepSource:  keepSource,
		Protected:   h.cfg.IsProtected,
	})
	defer a.Close()

	c.Header("Content-Type", mjpeg.ContentType(mjpeg.DefaultBoundary))
	c.Header("Cache-Control", "no-cache")
	c.Header(taskIDHeader, ft.ID())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	if err := a.WriteTo(c.Request.Context(), c.Writer, c.Writer.Flush); err != nil {
		log.Info().Err(err).Str("task_id", ft.ID()).Msg("stream ended early")
		return
	}
	log.Info().Str("task_id", ft.ID()).Msg("stream complete")
}

// handleProgress reports the completion percentage of a task. Unknown ids
// report 0.
func (h *Handler) handleProgress(c *gin.Context) {
	var q taskQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, http.StatusBadRequest, errors.New("no task_id provided"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": h.registry.Progress(q.TaskID)})
}

func (h *Handler) view(t task.Task) taskView {
	return taskView{ID: t.ID(), Kind: t.Kind(), State: t.State(), Progress: h.registry.Progress(t.ID())}
}

func (h *Handler) handleListTasks(c *gin.Context) {
	tasks := h.registry.List()
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, h.view(t))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleGetTask(c *gin.Context) {
	t, err := h.registry.Get(c.Param("taskId"))
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, h.view(t))
}

// handleDeleteTask cancels a task and forgets it. An uploaded source is
// removed with it unless it is protected.
func (h *Handler) handleDeleteTask(c *gin.Context) {
	id := c.Param("taskId")
	t, err := h.registry.Get(id)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	if err := h.registry.Delete(id); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	if ft, ok := t.(*task.FrameTask); ok {
		h.removeUpload(ft)
	}
	c.JSON(http.StatusOK, gin.H{"message": "task cancelled"})
}

// removeUpload deletes the source of ft when it was uploaded to TempDir.
func (h *Handler) removeUpload(ft *task.FrameTask) {
	if filepath.Dir(ft.FilePath()) != filepath.Clean(h.cfg.TempDir) || h.cfg.IsProtected(ft.FileID()) {
		return
	}
	if err := os.Remove(ft.FilePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Error().Err(err).Str("path", ft.FilePath()).Msg("failed to delete source")
		return
	}
	log.Info().Str("task_id", ft.ID()).Str("path", ft.FilePath()).Msg("source deleted")
}
