// Package chat runs one conversational turn: resolve the session, stage and
// register an optional image, ask the model, then commit the exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/gemproxy/internal/conversation"
	"github.com/ent0n29/gemproxy/internal/imagefetch"
	"github.com/ent0n29/gemproxy/internal/observability"
	"github.com/ent0n29/gemproxy/internal/policy"
	"github.com/ent0n29/gemproxy/internal/reliability"
	"github.com/ent0n29/gemproxy/internal/transcript"
)

const (
	stageDownload = "download"
	stageUpload   = "upload"
	stageGenerate = "generate"
	stageArchive  = "archive"
)

type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (*imagefetch.Image, error)
}

type AssetRegistrar interface {
	Register(ctx context.Context, path, mimeType string) (conversation.Asset, error)
}

type Model interface {
	Generate(ctx context.Context, history []conversation.Turn, message conversation.Turn) (string, error)
}

type Options struct {
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration
	GenerateTimeout time.Duration
	ArchiveTimeout  time.Duration
	// RedactArchive masks PII in text before it is written to the archive.
	RedactArchive bool
}

func (o Options) withDefaults() Options {
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 30 * time.Second
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = 60 * time.Second
	}
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = 120 * time.Second
	}
	if o.ArchiveTimeout <= 0 {
		o.ArchiveTimeout = 5 * time.Second
	}
	return o
}

type Request struct {
	Prompt    string
	SessionID string
	ImageURL  string
}

type Reply struct {
	Text       string
	TurnID     string
	HistoryLen int
}

type Service struct {
	sessions  *conversation.Store
	fetcher   ImageFetcher
	registrar AssetRegistrar
	model     Model
	archive   transcript.Store
	metrics   *observability.Metrics
	logger    *zap.Logger
	opts      Options
}

func NewService(
	sessions *conversation.Store,
	fetcher ImageFetcher,
	registrar AssetRegistrar,
	model Model,
	archive transcript.Store,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts Options,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetricsWith("gemproxy", prometheus.NewRegistry())
	}
	return &Service{
		sessions:  sessions,
		fetcher:   fetcher,
		registrar: registrar,
		model:     model,
		archive:   archive,
		metrics:   metrics,
		logger:    logger.Named("chat"),
		opts:      opts.withDefaults(),
	}
}

// Handle runs one turn for req.SessionID. Turns on the same session are
// serialized. History is only mutated when the model replies, and then the
// user and model turns are committed together.
func (s *Service) Handle(ctx context.Context, req Request) (Reply, error) {
	turnID := uuid.NewString()
	log := s.logger.With(zap.String("session_id", req.SessionID), zap.String("turn_id", turnID))

	history := s.acquire(req.SessionID)
	defer history.Unlock()

	userTurn, err := s.buildUserTurn(ctx, log, req)
	if err != nil {
		s.fail(log, err)
		return Reply{}, err
	}

	prior := history.Turns()
	text, err := s.generate(ctx, prior, userTurn)
	if err != nil {
		err = &Error{Kind: KindProvider, Err: err}
		s.fail(log, err)
		return Reply{}, err
	}

	userAt := time.Now().UTC()
	history.Append(userTurn, conversation.ModelTurn(text))
	s.metrics.ObserveTurn("ok")
	log.Info("turn committed",
		zap.Int("history_len", history.Len()),
		zap.String("image", policy.RedactURL(req.ImageURL)),
	)

	s.archiveTurn(ctx, log, req.SessionID, turnID, userTurn, text, userAt)

	return Reply{Text: text, TurnID: turnID, HistoryLen: history.Len()}, nil
}

// acquire returns the locked, still-registered history for id. A history
// evicted while this call waited for its lock is dropped and looked up again.
func (s *Service) acquire(id string) *conversation.History {
	for {
		history := s.sessions.GetOrCreate(id)
		history.Lock()
		if s.sessions.Holds(id, history) {
			return history
		}
		history.Unlock()
	}
}

// SessionExpired drops what the archive holds in memory for an evicted
// session. It is meant to be the session store's expire hook.
func (s *Service) SessionExpired(id string) {
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ArchiveTimeout)
	defer cancel()
	if err := s.archive.Evict(ctx, id); err != nil {
		s.logger.Warn("transcript evict failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (s *Service) buildUserTurn(ctx context.Context, log *zap.Logger, req Request) (conversation.Turn, error) {
	if req.ImageURL == "" {
		return conversation.UserTurn(conversation.TextPart(req.Prompt)), nil
	}

	img, err := s.fetch(ctx, req.ImageURL)
	if err != nil {
		if errors.Is(err, imagefetch.ErrDownload) {
			return conversation.Turn{}, &Error{Kind: KindDownload, Err: err}
		}
		return conversation.Turn{}, &Error{Kind: KindInternal, Err: fmt.Errorf("fetch image: %w", err)}
	}
	defer func() {
		if cerr := img.Close(); cerr != nil {
			log.Warn("temp image cleanup failed", zap.String("path", img.Path), zap.Error(cerr))
		}
	}()
	log.Debug("image staged", zap.String("mime_type", img.MIMEType), zap.Int64("bytes", img.Size))

	asset, err := s.register(ctx, img)
	if err != nil {
		return conversation.Turn{}, &Error{Kind: KindUpload, Err: err}
	}
	return conversation.UserTurn(conversation.AssetPart(asset), conversation.TextPart(req.Prompt)), nil
}

func (s *Service) fetch(ctx context.Context, url string) (*imagefetch.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.DownloadTimeout)
	defer cancel()
	started := time.Now()
	img, err := s.fetcher.Fetch(ctx, url)
	s.metrics.ObserveStage(stageDownload, time.Since(started))
	if err != nil {
		s.metrics.ObserveUpstreamError(stageDownload, string(reliability.Classify(err)))
	}
	return img, err
}

func (s *Service) register(ctx context.Context, img *imagefetch.Image) (conversation.Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.UploadTimeout)
	defer cancel()
	started := time.Now()
	asset, err := s.registrar.Register(ctx, img.Path, img.MIMEType)
	s.metrics.ObserveStage(stageUpload, time.Since(started))
	if err != nil {
		s.metrics.ObserveUpstreamError(stageUpload, string(reliability.Classify(err)))
	}
	return asset, err
}

func (s *Service) generate(ctx context.Context, prior []conversation.Turn, userTurn conversation.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.GenerateTimeout)
	defer cancel()
	started := time.Now()
	text, err := s.model.Generate(ctx, prior, userTurn)
	s.metrics.ObserveStage(stageGenerate, time.Since(started))
	if err != nil {
		s.metrics.ObserveUpstreamError(stageGenerate, string(reliability.Classify(err)))
	}
	return text, err
}

func (s *Service) fail(log *zap.Logger, err error) {
	kind := KindOf(err)
	s.metrics.ObserveTurn(string(kind))
	log.Error("turn failed",
		zap.String("kind", string(kind)),
		zap.String("reason", string(reliability.Classify(err))),
		zap.Error(err),
	)
}

// archiveTurn is best effort: the reply is already committed.
func (s *Service) archiveTurn(ctx context.Context, log *zap.Logger, sessionID, turnID string, userTurn conversation.Turn, reply string, userAt time.Time) {
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ArchiveTimeout)
	defer cancel()

	var assetURI string
	if uris := userTurn.AssetURIs(); len(uris) > 0 {
		assetURI = uris[0]
	}
	prompt := userTurn.Text()
	if s.opts.RedactArchive {
		prompt, _ = policy.RedactPII(prompt)
		reply, _ = policy.RedactPII(reply)
	}
	records := []transcript.TurnRecord{
		{
			SessionID: sessionID,
			TurnID:    turnID,
			Role:      string(conversation.RoleUser),
			Content:   prompt,
			AssetURI:  assetURI,
			CreatedAt: userAt,
		},
		{
			SessionID: sessionID,
			TurnID:    turnID,
			Role:      string(conversation.RoleModel),
			Content:   reply,
			CreatedAt: userAt.Add(time.Microsecond),
		},
	}
	started := time.Now()
	if err := s.archive.SaveTurns(ctx, records...); err != nil {
		s.metrics.ArchiveErrors.Inc()
		log.Warn("archive turn failed", zap.Error(err))
		return
	}
	s.metrics.ObserveStage(stageArchive, time.Since(started))
}
