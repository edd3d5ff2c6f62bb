package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/services"
)

// Version is reported on /api/status; overridden at build time
var Version = "dev"

// MessageAPI is the chat surface used by agents
type MessageAPI interface {
	ChatHistory(ctx context.Context, chatID string) ([]services.MessageView, error)
	MarkRead(ctx context.Context, ids []string) (int64, error)
	ReplyAsAgent(ctx context.Context, chatID, agentID, text string) (*domain.Message, error)
}

// ChannelAPI connects platform accounts
type ChannelAPI interface {
	CreateChannel(ctx context.Context, ch *domain.Channel) (*domain.Channel, error)
}

// AutomationSwitch pauses and resumes auto-replies
type AutomationSwitch interface {
	Enable(reason, activatedBy string)
	Disable(deactivatedBy string)
	Status() services.PanicStatus
}

// PipelineSource exposes ingestion counters
type PipelineSource interface {
	Snapshot() services.PipelineSnapshot
}

// QueueSource exposes background task counters
type QueueSource interface {
	Stats() services.TaskQueueStats
}

// DashboardDeps wires the dashboard to the core services
type DashboardDeps struct {
	Messages   MessageAPI
	Channels   ChannelAPI
	Automation AutomationSwitch
	Pipeline   PipelineSource
	Queue      QueueSource
}

// DashboardHandler handles dashboard API requests
type DashboardHandler struct {
	deps              DashboardDeps
	diskPath          string
	watchdogThreshold float64
	validate          *validator.Validate
	startedAt         time.Time
}

// NewDashboardHandler creates a new dashboard handler instance
func NewDashboardHandler(deps DashboardDeps, diskPath string, watchdogThreshold float64) *DashboardHandler {
	return &DashboardHandler{
		deps:              deps,
		diskPath:          diskPath,
		watchdogThreshold: watchdogThreshold,
		validate:          validator.New(),
		startedAt:         time.Now(),
	}
}

// ============================================================================
// System Health & Metrics
// ============================================================================

// SystemMetricsResponse represents system health data
type SystemMetricsResponse struct {
	CPUPercent        float64                  `json:"cpu_percent"`
	RAMUsedGB         float64                  `json:"ram_used_gb"`
	RAMTotalGB        float64                  `json:"ram_total_gb"`
	RAMPercent        float64                  `json:"ram_percent"`
	DiskUsedGB        float64                  `json:"disk_used_gb"`
	DiskTotalGB       float64                  `json:"disk_total_gb"`
	DiskPercent       float64                  `json:"disk_percent"`
	GoroutinesCount   int                      `json:"goroutines_count"`
	WatchdogActive    bool                     `json:"watchdog_active"`
	WatchdogThreshold float64                  `json:"watchdog_threshold"`
	DiskWarningLevel  string                   `json:"disk_warning_level"` // "safe" | "warning" | "critical"
	Pipeline          services.PipelineSnapshot `json:"pipeline"`
	Tasks             services.TaskQueueStats   `json:"tasks"`
}

// GetSystemMetrics returns current system health metrics
// GET /api/system/metrics
func (h *DashboardHandler) GetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// CPU usage since the previous sample
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	var cpuPercent float64
	if err == nil && len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	var ramUsedGB, ramTotalGB, ramPercent float64
	if err == nil {
		ramUsedGB = float64(memStat.Used) / 1024 / 1024 / 1024
		ramTotalGB = float64(memStat.Total) / 1024 / 1024 / 1024
		ramPercent = memStat.UsedPercent
	}

	diskStat, err := disk.UsageWithContext(ctx, h.diskPath)
	var diskUsedGB, diskTotalGB, diskPercent float64
	if err == nil {
		diskUsedGB = float64(diskStat.Used) / 1024 / 1024 / 1024
		diskTotalGB = float64(diskStat.Total) / 1024 / 1024 / 1024
		diskPercent = diskStat.UsedPercent
	}

	response := SystemMetricsResponse{
		CPUPercent:        roundTo2Decimals(cpuPercent),
		RAMUsedGB:         roundTo2Decimals(ramUsedGB),
		RAMTotalGB:        roundTo2Decimals(ramTotalGB),
		RAMPercent:        roundTo2Decimals(ramPercent),
		DiskUsedGB:        roundTo2Decimals(diskUsedGB),
		DiskTotalGB:       roundTo2Decimals(diskTotalGB),
		DiskPercent:       roundTo2Decimals(diskPercent),
		GoroutinesCount:   runtime.NumGoroutine(),
		WatchdogActive:    diskPercent > h.watchdogThreshold,
		WatchdogThreshold: h.watchdogThreshold,
		DiskWarningLevel:  diskWarningLevel(diskPercent, h.watchdogThreshold),
		Pipeline:          h.deps.Pipeline.Snapshot(),
		Tasks:             h.deps.Queue.Stats(),
	}

	slog.Debug("System metrics retrieved",
		"cpu", cpuPercent,
		"disk_percent", diskPercent,
		"watchdog_active", response.WatchdogActive,
	)

	writeJSON(w, http.StatusOK, response)
}

// diskWarningLevel is "safe" below the threshold, "critical" from 10 points above it
func diskWarningLevel(percent, threshold float64) string {
	switch {
	case percent < threshold:
		return "safe"
	case percent < threshold+10:
		return "warning"
	default:
		return "critical"
	}
}

// ============================================================================
// System Status
// ============================================================================

// SystemStatusResponse represents overall system status
type SystemStatusResponse struct {
	Online     bool                 `json:"online"`
	Uptime     string               `json:"uptime"`
	Version    string               `json:"version"`
	Automation services.PanicStatus `json:"automation_pause"`
}

// GetStatus returns system status
// GET /api/status
func (h *DashboardHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SystemStatusResponse{
		Online:     true,
		Uptime:     formatDuration(time.Since(h.startedAt)),
		Version:    Version,
		Automation: h.deps.Automation.Status(),
	})
}

// ============================================================================
// Chats
// ============================================================================

// GetChatMessages returns a chat's history and marks inbound messages read
// GET /api/chats/{id}/messages
func (h *DashboardHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	views, err := h.deps.Messages.ChatHistory(r.Context(), chatID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to load chat history", "chat_id", chatID)
		return
	}

	writeEnvelope(w, NewSuccessResponse(views))
}

// MarkReadRequest lists messages to flag as read
type MarkReadRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

// MarkRead flags messages as read
// POST /api/messages/read
func (h *DashboardHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if !h.decode(w, r, &req) {
		return
	}

	n, err := h.deps.Messages.MarkRead(r.Context(), req.IDs)
	if err != nil {
		h.writeServiceError(w, err, "Failed to mark messages read")
		return
	}

	writeEnvelope(w, NewSuccessResponse(map[string]int64{"updated": n}))
}

// ReplyRequest is an agent's text reply
type ReplyRequest struct {
	Text    string `json:"text" validate:"required"`
	AgentID string `json:"agent_id"`
}

// SendReply sends an agent reply into a chat.
// A delivery failure still returns the stored message, flagged is_error.
// POST /api/chats/{id}/reply
func (h *DashboardHandler) SendReply(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	var req ReplyRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.deps.Messages.ReplyAsAgent(r.Context(), chatID, req.AgentID, req.Text)
	if err != nil && msg == nil {
		h.writeServiceError(w, err, "Failed to send reply", "chat_id", chatID)
		return
	}
	if err != nil {
		slog.Warn("Reply stored but not delivered",
			"error", err,
			"chat_id", chatID,
			"message_id", msg.ID,
		)
		writeJSON(w, http.StatusBadGateway, APIResponse{
			Code:    http.StatusBadGateway,
			Message: "Message saved but delivery failed",
			Data:    msg,
		})
		return
	}

	writeEnvelope(w, NewSuccessResponse(msg))
}

// ============================================================================
// Automation pause
// ============================================================================

// PauseRequest toggles automation
type PauseRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason" validate:"required_if=Active true"`
	By     string `json:"by" validate:"required"`
}

// GetAutomationPause returns whether auto-replies are paused
// GET /api/automation/pause
func (h *DashboardHandler) GetAutomationPause(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, NewSuccessResponse(h.deps.Automation.Status()))
}

// SetAutomationPause pauses or resumes auto-replies
// POST /api/automation/pause
func (h *DashboardHandler) SetAutomationPause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.Active {
		h.deps.Automation.Enable(req.Reason, req.By)
	} else {
		h.deps.Automation.Disable(req.By)
	}

	writeEnvelope(w, NewSuccessResponse(h.deps.Automation.Status()))
}

// ============================================================================
// Channels
// ============================================================================

// CreateChannelRequest connects a LINE channel or a Facebook page
type CreateChannelRequest struct {
	OrganizationID string             `json:"organization_id" validate:"required"`
	Name           string             `json:"name" validate:"required"`
	Type           domain.ChannelType `json:"type" validate:"required,oneof=line facebook"`

	LineChannelID     string `json:"line_channel_id" validate:"required_if=Type line"`
	LineChannelSecret string `json:"line_channel_secret" validate:"required_if=Type line"`
	LineAccessToken   string `json:"line_access_token" validate:"required_if=Type line"`

	FacebookPageID    string `json:"facebook_page_id" validate:"required_if=Type facebook"`
	FacebookPageToken string `json:"facebook_page_token" validate:"required_if=Type facebook"`
}

func (req *CreateChannelRequest) channel() *domain.Channel {
	ch := &domain.Channel{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Type:           req.Type,
	}
	switch req.Type {
	case domain.ChannelTypeLine:
		ch.Line = &domain.LineCredentials{
			ChannelID:     req.LineChannelID,
			ChannelSecret: req.LineChannelSecret,
			AccessToken:   req.LineAccessToken,
		}
	case domain.ChannelTypeFacebook:
		ch.Facebook = &domain.FacebookCredentials{
			PageID:          req.FacebookPageID,
			PageAccessToken: req.FacebookPageToken,
		}
	}
	return ch
}

// ChannelResponse is a connected channel plus where its webhooks go
type ChannelResponse struct {
	*domain.Channel
	WebhookPath string `json:"webhook_path"`
}

// CreateChannel connects a channel, reviving a deleted one with the same identity
// POST /api/channels
func (h *DashboardHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if !h.decode(w, r, &req) {
		return
	}

	ch, err := h.deps.Channels.CreateChannel(r.Context(), req.channel())
	if err != nil {
		h.writeServiceError(w, err, "Failed to create channel", "type", req.Type)
		return
	}

	resp := ChannelResponse{Channel: ch, WebhookPath: "/webhook/facebook"}
	if ch.Type == domain.ChannelTypeLine {
		resp.WebhookPath = "/webhook/line/" + services.LineChannelCode(ch.ID)
	}
	writeJSON(w, http.StatusCreated, APIResponse{Code: http.StatusCreated, Message: "Created", Data: resp})
}

// ============================================================================
// Helpers
// ============================================================================

// decode parses and validates a JSON body, answering 400 on failure
func (h *DashboardHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeEnvelope(w, BadRequestResponse("Invalid JSON body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeEnvelope(w, BadRequestResponse(err.Error()))
		return false
	}
	return true
}

func (h *DashboardHandler) writeServiceError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeEnvelope(w, NotFoundResponse("Not found"))
	case errors.Is(err, domain.ErrInvalidPayload):
		writeEnvelope(w, BadRequestResponse(err.Error()))
	case errors.Is(err, domain.ErrChannelInactive), errors.Is(err, domain.ErrConflict):
		writeEnvelope(w, NewErrorResponse(http.StatusConflict, err.Error()))
	default:
		slog.Error(msg, append([]any{"error", err}, attrs...)...)
		writeEnvelope(w, InternalErrorResponse(msg))
	}
}

func roundTo2Decimals(val float64) float64 {
	return float64(int(val*100)) / 100
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	if hours > 24 {
		days := hours / 24
		hours = hours % 24
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}

	return fmt.Sprintf("%dh %dm", hours, minutes)
}
