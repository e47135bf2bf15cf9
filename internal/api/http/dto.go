// internal/api/http/dto.go
package http

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"

	"inference-horde/internal/domain"
	"inference-horde/internal/usecase"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// newValidator 注册 "alias" 校验：name#id 形式的用户别名。
func newValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("alias", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseAlias(fl.Field().String())
		return err == nil
	})
	return validate
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed on the '%s' tag", e.Namespace(), e.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// LoraInput is one extra network requested for an image.
type LoraInput struct {
	Name  string  `json:"name" validate:"required,max=255"`
	Model float64 `json:"model"`
	Clip  float64 `json:"clip"`
}

// ImageParams are the image knobs. Zero values take the defaults below.
type ImageParams struct {
	N                 int         `json:"n" validate:"gte=0,lte=20"`
	Width             int         `json:"width" validate:"gte=0"`
	Height            int         `json:"height" validate:"gte=0"`
	Steps             int         `json:"steps" validate:"gte=0"`
	CfgScale          float64     `json:"cfg_scale" validate:"gte=0,lte=100"`
	SamplerName       string      `json:"sampler_name" validate:"max=64"`
	Seed              string      `json:"seed" validate:"max=256"`
	Karras            bool        `json:"karras"`
	HiresFix          bool        `json:"hires_fix"`
	ClipSkip          int         `json:"clip_skip" validate:"gte=0,lte=12"`
	DenoisingStrength float64     `json:"denoising_strength" validate:"gte=0,lte=1"`
	PostProcessing    []string    `json:"post_processing" validate:"max=5"`
	ControlType       string      `json:"control_type" validate:"max=64"`
	Loras             []LoraInput `json:"loras" validate:"dive"`
}

// requestCommon holds the fields every submit endpoint shares.
type requestCommon struct {
	Models          []string `json:"models" validate:"max=100,dive,max=255"`
	Workers         []string `json:"workers" validate:"max=20,dive,uuid"`
	WorkerBlacklist bool     `json:"worker_blacklist"`
	NSFW            bool     `json:"nsfw"`
	CensorNSFW      bool     `json:"censor_nsfw"`
	TrustedWorkers  bool     `json:"trusted_workers"`
	SlowWorkers     *bool    `json:"slow_workers"`
	DryRun          bool     `json:"dry_run"`
}

func (c requestCommon) apply(req *usecase.SubmitRequest) {
	req.Models = c.Models
	req.Workers = c.Workers
	req.WorkerBlacklist = c.WorkerBlacklist
	req.NSFW = c.NSFW
	req.CensorNSFW = c.CensorNSFW
	req.TrustedWorkers = c.TrustedWorkers
	req.SlowWorkers = c.SlowWorkers == nil || *c.SlowWorkers
	req.DryRun = c.DryRun
}

// ImageRequest is the body of POST /generate/async.
type ImageRequest struct {
	requestCommon
	Prompt           string      `json:"prompt"`
	Params           ImageParams `json:"params"`
	SourceImage      string      `json:"source_image"`
	SourceProcessing string      `json:"source_processing" validate:"omitempty,oneof=img2img inpainting outpainting"`
}

func (r *ImageRequest) ToSubmit() usecase.SubmitRequest {
	p := r.Params
	params := domain.GenerationParams{
		N:                 cmp.Or(p.N, 1),
		Width:             cmp.Or(p.Width, 512),
		Height:            cmp.Or(p.Height, 512),
		Steps:             cmp.Or(p.Steps, 30),
		CfgScale:          cmp.Or(p.CfgScale, 7.5),
		SamplerName:       cmp.Or(p.SamplerName, "k_euler_a"),
		Seed:              p.Seed,
		Karras:            p.Karras,
		HiresFix:          p.HiresFix,
		ClipSkip:          cmp.Or(p.ClipSkip, 1),
		DenoisingStrength: p.DenoisingStrength,
		PostProcessing:    p.PostProcessing,
		ControlType:       p.ControlType,
	}
	for _, l := range p.Loras {
		params.Loras = append(params.Loras, domain.Lora{Name: l.Name, Model: cmp.Or(l.Model, 1), Clip: cmp.Or(l.Clip, 1)})
	}
	req := usecase.SubmitRequest{
		Variant:          domain.VariantImage,
		Prompt:           r.Prompt,
		Params:           params,
		SourceImage:      r.SourceImage,
		SourceProcessing: domain.SourceProcessing(r.SourceProcessing),
	}
	r.apply(&req)
	return req
}

type TextParams struct {
	N                int     `json:"n" validate:"gte=0,lte=20"`
	MaxLength        int     `json:"max_length" validate:"gte=0"`
	MaxContextLength int     `json:"max_context_length" validate:"gte=0"`
	Temperature      float64 `json:"temperature" validate:"gte=0,lte=5"`
	TopP             float64 `json:"top_p" validate:"gte=0,lte=1"`
	TopK             int     `json:"top_k" validate:"gte=0,lte=100"`
	RepPen           float64 `json:"rep_pen" validate:"gte=0,lte=3"`
}

// TextRequest is the body of POST /generate/text/async.
type TextRequest struct {
	requestCommon
	Prompt string     `json:"prompt"`
	Params TextParams `json:"params"`
}

func (r *TextRequest) ToSubmit() usecase.SubmitRequest {
	p := r.Params
	req := usecase.SubmitRequest{
		Variant: domain.VariantText,
		Prompt:  r.Prompt,
		Params: domain.GenerationParams{
			N:                cmp.Or(p.N, 1),
			MaxLength:        cmp.Or(p.MaxLength, 80),
			MaxContextLength: cmp.Or(p.MaxContextLength, 1024),
			Temperature:      p.Temperature,
			TopP:             p.TopP,
			TopK:             p.TopK,
			RepPen:           p.RepPen,
		},
	}
	r.apply(&req)
	return req
}

type FormInput struct {
	Name string `json:"name" validate:"required,oneof=caption interrogation nsfw"`
}

// InterrogationRequest is the body of POST /interrogate/async.
type InterrogationRequest struct {
	Forms       []FormInput `json:"forms" validate:"required,min=1,max=3,dive"`
	SourceImage string      `json:"source_image" validate:"required"`
	SlowWorkers *bool       `json:"slow_workers"`
	DryRun      bool        `json:"dry_run"`
}

func (r *InterrogationRequest) ToSubmit() usecase.SubmitRequest {
	forms := make([]string, 0, len(r.Forms))
	for _, f := range r.Forms {
		forms = append(forms, f.Name)
	}
	return usecase.SubmitRequest{
		Variant:     domain.VariantInterrogation,
		Params:      domain.GenerationParams{N: 1, Forms: forms},
		SourceImage: r.SourceImage,
		SlowWorkers: r.SlowWorkers == nil || *r.SlowWorkers,
		DryRun:      r.DryRun,
	}
}

// SubmitResponse is returned with 202 by every submit endpoint.
type SubmitResponse struct {
	ID       string   `json:"id,omitempty"`
	Kudos    float64  `json:"kudos"`
	Message  string   `json:"message,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func newSubmitResponse(res usecase.SubmitResult) SubmitResponse {
	out := SubmitResponse{Kudos: res.Kudos, Message: res.Message, Warnings: res.Warnings}
	if res.ID != uuid.Nil {
		out.ID = res.ID.String()
	}
	return out
}

// PopRequest is the body every worker variant polls with.
type PopRequest struct {
	Name                string   `json:"name" validate:"required,max=100"`
	Models              []string `json:"models" validate:"max=300,dive,max=255"`
	NSFW                bool     `json:"nsfw"`
	Blacklist           []string `json:"blacklist" validate:"max=100,dive,max=255"`
	MaxPixels           int      `json:"max_pixels" validate:"gte=0"`
	MaxLength           int      `json:"max_length" validate:"gte=0"`
	MaxContextLength    int      `json:"max_context_length" validate:"gte=0"`
	Threads             int      `json:"threads" validate:"gte=0,lte=30"`
	AllowImg2Img        bool     `json:"allow_img2img"`
	AllowPainting       bool     `json:"allow_painting"`
	AllowControlNet     bool     `json:"allow_controlnet"`
	AllowPostProcessing bool     `json:"allow_post_processing"`
	AllowLora           bool     `json:"allow_lora"`
	AllowUnsafeIPAddr   bool     `json:"allow_unsafe_ipaddr"`
	RequireUpfrontKudos bool     `json:"require_upfront_kudos"`
	Forms               []string `json:"forms" validate:"dive,oneof=caption interrogation nsfw"`
	BridgeAgent         string   `json:"bridge_agent" validate:"max=1000"`
	PriorityUsernames   []string `json:"priority_usernames" validate:"max=50,dive,alias"`
}

func (r *PopRequest) ToPop(variant domain.WorkerVariant, apiKey, ip string) usecase.PopRequest {
	return usecase.PopRequest{
		CheckInRequest: usecase.CheckInRequest{
			APIKey:              apiKey,
			Name:                r.Name,
			Variant:             variant,
			Models:              r.Models,
			NSFW:                r.NSFW,
			Blacklist:           r.Blacklist,
			MaxPixels:           r.MaxPixels,
			MaxLength:           r.MaxLength,
			MaxContextLength:    r.MaxContextLength,
			Threads:             cmp.Or(r.Threads, 1),
			AllowImg2Img:        r.AllowImg2Img,
			AllowPainting:       r.AllowPainting,
			AllowControlNet:     r.AllowControlNet,
			AllowPostProcessing: r.AllowPostProcessing,
			AllowLora:           r.AllowLora,
			AllowUnsafeIPAddr:   r.AllowUnsafeIPAddr,
			RequireUpfrontKudos: r.RequireUpfrontKudos,
			Forms:               r.Forms,
			BridgeAgent:         r.BridgeAgent,
			IPAddr:              ip,
		},
		PriorityUsernames: r.PriorityUsernames,
	}
}

// PopPayload is the job body a worker executes: the prompt plus its parameters.
type PopPayload struct {
	Prompt string `json:"prompt,omitempty"`
	domain.GenerationParams
}

// PopResponse answers a pop. ID is null when no job was assigned.
type PopResponse struct {
	ID                 *string        `json:"id"`
	IDs                []string       `json:"ids"`
	Model              string         `json:"model,omitempty"`
	Payload            *PopPayload    `json:"payload,omitempty"`
	SourceImage        string         `json:"source_image,omitempty"`
	SourceProcessing   string         `json:"source_processing,omitempty"`
	Skipped            map[string]int `json:"skipped"`
	MaintenanceMessage string         `json:"maintenance_message,omitempty"`
}

func newPopResponse(res *usecase.PopResult) PopResponse {
	out := PopResponse{
		IDs:                []string{},
		Skipped:            res.Skipped,
		MaintenanceMessage: res.MaintenanceMessage,
	}
	if out.Skipped == nil {
		out.Skipped = map[string]int{}
	}
	if job := res.Job; job != nil {
		id := job.ID.String()
		out.ID = &id
		out.IDs = []string{id}
		out.Model = job.Model
		out.Payload = &PopPayload{Prompt: job.Prompt, GenerationParams: job.Params}
		out.SourceImage = job.SourceImage
		out.SourceProcessing = string(job.SourceProcessing)
	}
	return out
}

// SubmitResultRequest is the body of the worker submit endpoints.
type SubmitResultRequest struct {
	ID         string `json:"id" validate:"required,uuid"`
	Generation string `json:"generation"`
	Seed       *int64 `json:"seed"`
	State      string `json:"state" validate:"omitempty,oneof=ok censored faulted"`
}

type RewardResponse struct {
	Reward float64 `json:"reward"`
}

// GenerationView is one delivered slot in a full status.
type GenerationView struct {
	ID         string  `json:"id"`
	WorkerID   string  `json:"worker_id"`
	WorkerName string  `json:"worker_name"`
	Model      string  `json:"model"`
	State      string  `json:"state"`
	Img        string  `json:"img,omitempty"`
	Text       string  `json:"text,omitempty"`
	Seed       string  `json:"seed,omitempty"`
	Censored   bool    `json:"censored,omitempty"`
	Kudos      float64 `json:"kudos"`
}

// StatusResponse is the check/status body. Generations is only set on full status.
type StatusResponse struct {
	Finished      int              `json:"finished"`
	Processing    int              `json:"processing"`
	Restarted     int              `json:"restarted"`
	Waiting       int              `json:"waiting"`
	Done          bool             `json:"done"`
	Faulted       bool             `json:"faulted"`
	WaitTime      int              `json:"wait_time"`
	QueuePosition int              `json:"queue_position"`
	Kudos         float64          `json:"kudos"`
	IsPossible    bool             `json:"is_possible"`
	Generations   []GenerationView `json:"generations,omitempty"`
	Forms         []GenerationView `json:"forms,omitempty"`
}

func newStatusResponse(st *domain.RequestStatus, full bool) StatusResponse {
	out := StatusResponse{
		Finished:      st.Finished,
		Processing:    st.Processing,
		Restarted:     st.Restarted,
		Waiting:       st.Waiting,
		Done:          st.Done,
		Faulted:       st.Faulted,
		WaitTime:      st.WaitTime,
		QueuePosition: st.QueuePosition,
		Kudos:         st.Kudos,
		IsPossible:    st.IsPossible,
	}
	if !full {
		return out
	}
	views := make([]GenerationView, 0, len(st.Generations))
	for _, g := range st.Generations {
		v := GenerationView{
			ID:         g.ID.String(),
			WorkerID:   g.WorkerID.String(),
			WorkerName: g.WorkerName,
			Model:      g.Model,
			State:      string(g.State),
			Seed:       g.Seed,
			Censored:   g.State == domain.GenStateCensored,
			Kudos:      g.Kudos,
		}
		if st.Variant == domain.VariantText {
			v.Text = g.Generation
		} else {
			v.Img = g.Generation
		}
		views = append(views, v)
	}
	if st.Variant == domain.VariantInterrogation {
		out.Forms = views
	} else {
		out.Generations = views
	}
	return out
}

// WorkerView is the public worker description.
type WorkerView struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Online            bool     `json:"online"`
	Maintenance       bool     `json:"maintenance_mode"`
	Paused            bool     `json:"paused,omitempty"`
	Info              string   `json:"info,omitempty"`
	NSFW              bool     `json:"nsfw"`
	Models            []string `json:"models"`
	Forms             []string `json:"forms,omitempty"`
	MaxPixels         int      `json:"max_pixels,omitempty"`
	MaxLength         int      `json:"max_length,omitempty"`
	MaxContextLength  int      `json:"max_context_length,omitempty"`
	Threads           int      `json:"threads"`
	Img2Img           bool     `json:"img2img,omitempty"`
	Painting          bool     `json:"painting,omitempty"`
	Lora              bool     `json:"lora,omitempty"`
	Uptime            int64    `json:"uptime"`
	KudosRewards      float64  `json:"kudos_rewards"`
	RequestsFulfilled int      `json:"requests_fulfilled"`
	UncompletedJobs   int      `json:"uncompleted_jobs"`
	Suspicious        int      `json:"suspicious,omitempty"`
	BridgeAgent       string   `json:"bridge_agent"`
}

func newWorkerView(w *domain.Worker, now time.Time) WorkerView {
	return WorkerView{
		ID:                w.ID.String(),
		Name:              w.Name,
		Type:              string(w.Variant),
		Online:            !w.IsStale(now),
		Maintenance:       w.Maintenance,
		Paused:            w.Paused,
		Info:              w.Info,
		NSFW:              w.NSFW,
		Models:            w.Models,
		Forms:             w.Forms,
		MaxPixels:         w.MaxPixels,
		MaxLength:         w.MaxLength,
		MaxContextLength:  w.MaxContextLength,
		Threads:           w.Threads,
		Img2Img:           w.AllowImg2Img,
		Painting:          w.AllowPainting,
		Lora:              w.AllowLora,
		Uptime:            w.Uptime,
		KudosRewards:      w.Kudos,
		RequestsFulfilled: w.Fulfilments,
		UncompletedJobs:   w.UncompletedJobs,
		Suspicious:        w.Suspicion,
		BridgeAgent:       w.BridgeAgent,
	}
}

// WorkerUpdateRequest is the body of PUT /workers/{id}.
type WorkerUpdateRequest struct {
	Maintenance    *bool   `json:"maintenance"`
	MaintenanceMsg *string `json:"maintenance_msg" validate:"omitempty,max=255"`
	Paused         *bool   `json:"paused"`
	Info           *string `json:"info" validate:"omitempty,max=1000"`
	Name           *string `json:"name" validate:"omitempty,min=1,max=100"`
}

func (r *WorkerUpdateRequest) ToUpdate() usecase.WorkerUpdate {
	return usecase.WorkerUpdate{
		Maintenance:    r.Maintenance,
		MaintenanceMsg: r.MaintenanceMsg,
		Paused:         r.Paused,
		Info:           r.Info,
		Name:           r.Name,
	}
}

// ModesRequest is the body of PUT /status/modes.
type ModesRequest struct {
	Maintenance *bool `json:"maintenance"`
	InviteOnly  *bool `json:"invite_only"`
	Raid        *bool `json:"raid"`
}

type ModesResponse struct {
	Maintenance bool `json:"maintenance_mode"`
	InviteOnly  bool `json:"invite_only_mode"`
	Raid        bool `json:"raid_mode"`
}

func newModesResponse(s domain.Settings) ModesResponse {
	return ModesResponse{Maintenance: s.Maintenance, InviteOnly: s.InviteOnly, Raid: s.Raid}
}

// PerformanceResponse keeps the flat layout older clients parse.
type PerformanceResponse struct {
	QueuedRequests           int64   `json:"queued_requests"`
	WorkerCount              int64   `json:"worker_count"`
	ThreadCount              int64   `json:"thread_count"`
	QueuedMegapixelsteps     float64 `json:"queued_megapixelsteps"`
	PastMinuteMegapixelsteps float64 `json:"past_minute_megapixelsteps"`
	QueuedTextRequests       int64   `json:"queued_text_requests"`
	TextWorkerCount          int64   `json:"text_worker_count"`
	TextThreadCount          int64   `json:"text_thread_count"`
	QueuedTokens             float64 `json:"queued_tokens"`
	PastMinuteTokens         float64 `json:"past_minute_tokens"`
	InterrogatorCount        int64   `json:"interrogator_count"`
	InterrogatorThreadCount  int64   `json:"interrogator_thread_count"`
	QueuedForms              int64   `json:"queued_forms"`
	Nodes                    int     `json:"nodes"`
}

func newPerformanceResponse(reports []domain.PerformanceReport) PerformanceResponse {
	var out PerformanceResponse
	for _, r := range reports {
		out.Nodes = max(out.Nodes, r.Nodes)
		switch r.Variant {
		case domain.VariantImage:
			out.QueuedRequests = r.QueuedRequests
			out.WorkerCount = r.WorkerCount
			out.ThreadCount = r.ThreadCount
			out.QueuedMegapixelsteps = r.QueuedThings
			out.PastMinuteMegapixelsteps = r.PastMinuteThings
		case domain.VariantText:
			out.QueuedTextRequests = r.QueuedRequests
			out.TextWorkerCount = r.WorkerCount
			out.TextThreadCount = r.ThreadCount
			out.QueuedTokens = r.QueuedThings
			out.PastMinuteTokens = r.PastMinuteThings
		case domain.VariantInterrogation:
			out.InterrogatorCount = r.WorkerCount
			out.InterrogatorThreadCount = r.ThreadCount
			out.QueuedForms = r.QueuedRequests
		}
	}
	return out
}

// KudosRequest is the body of the transfer and award endpoints.
type KudosRequest struct {
	Username string  `json:"username" validate:"required,alias"`
	Amount   float64 `json:"amount" validate:"gt=0"`
}

type UserView struct {
	ID                      uint64   `json:"id"`
	Username                string   `json:"username"`
	Kudos                   float64  `json:"kudos"`
	EvaluatingKudos         float64  `json:"evaluating_kudos,omitempty"`
	Concurrency             int      `json:"concurrency"`
	WorkerInvited           int      `json:"worker_invited"`
	MonthlyKudos            int      `json:"monthly_kudos,omitempty"`
	Trusted                 bool     `json:"trusted"`
	Flagged                 bool     `json:"flagged,omitempty"`
	Moderator               bool     `json:"moderator"`
	Suspicious              int      `json:"suspicious,omitempty"`
	Pseudonymous            bool     `json:"pseudonymous"`
	UsageRequests           int      `json:"usage_requests"`
	ContributedFulfillments int      `json:"contributed_fulfillments"`
	Roles                   []string `json:"roles,omitempty"`
	AccountAgeSeconds       int64    `json:"account_age"`
}

func newUserView(u *domain.User, now time.Time) UserView {
	roles := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, string(r))
	}
	return UserView{
		ID:                      u.ID,
		Username:                u.Alias(),
		Kudos:                   u.Kudos,
		EvaluatingKudos:         u.EvaluatingKudos,
		Concurrency:             u.Concurrency,
		WorkerInvited:           u.WorkerInvited,
		MonthlyKudos:            u.MonthlyKudos,
		Trusted:                 u.Trusted(),
		Flagged:                 u.Flagged(),
		Moderator:               u.Moderator(),
		Suspicious:              u.Suspicion,
		Pseudonymous:            u.IsPseudonymous(),
		UsageRequests:           u.UsageRequests,
		ContributedFulfillments: u.ContributedFulfillments,
		Roles:                   roles,
		AccountAgeSeconds:       int64(now.Sub(u.CreatedAt).Seconds()),
	}
}

// SharedKeyRequest creates or patches a shared key. Limits of -1 mean unlimited.
type SharedKeyRequest struct {
	Name           *string  `json:"name" validate:"omitempty,max=255"`
	Kudos          *float64 `json:"kudos" validate:"omitempty,gte=-1"`
	Expiry         *int     `json:"expiry" validate:"omitempty,gte=-1,lte=365"`
	MaxImagePixels *int     `json:"max_image_pixels" validate:"omitempty,gte=-1"`
	MaxImageSteps  *int     `json:"max_image_steps" validate:"omitempty,gte=-1"`
	MaxTextTokens  *int     `json:"max_text_tokens" validate:"omitempty,gte=-1"`
}

func (r *SharedKeyRequest) ToInput() usecase.SharedKeyInput {
	return usecase.SharedKeyInput{
		Name:           r.Name,
		Kudos:          r.Kudos,
		ExpiryDays:     r.Expiry,
		MaxImagePixels: r.MaxImagePixels,
		MaxImageSteps:  r.MaxImageSteps,
		MaxTextTokens:  r.MaxTextTokens,
	}
}

type SharedKeyView struct {
	ID             string  `json:"id"`
	Username       string  `json:"username"`
	Name           string  `json:"name"`
	Kudos          float64 `json:"kudos"`
	Utilized       float64 `json:"utilized"`
	Expiry         string  `json:"expiry,omitempty"`
	MaxImagePixels int     `json:"max_image_pixels"`
	MaxImageSteps  int     `json:"max_image_steps"`
	MaxTextTokens  int     `json:"max_text_tokens"`
}

func newSharedKeyView(k *domain.SharedKey) SharedKeyView {
	v := SharedKeyView{
		ID:             k.ID.String(),
		Username:       "#" + strconv.FormatUint(k.UserID, 10),
		Name:           k.Name,
		Kudos:          k.Kudos,
		Utilized:       k.Utilized,
		MaxImagePixels: k.MaxImagePixels,
		MaxImageSteps:  k.MaxImageSteps,
		MaxTextTokens:  k.MaxTextTokens,
	}
	if k.Expiry != nil {
		v.Expiry = k.Expiry.Format(time.RFC3339)
	}
	return v
}
