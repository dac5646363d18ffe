package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/mihari/internal/database"
	"github.com/nao1215/mihari/internal/digest"
	"github.com/nao1215/mihari/internal/directory"
	"github.com/nao1215/mihari/internal/dispatch"
	"github.com/nao1215/mihari/internal/eventcache"
	"github.com/nao1215/mihari/internal/ownership"
	"github.com/nao1215/mihari/internal/settings"
	"github.com/nao1215/mihari/internal/subscription"
	"github.com/nao1215/mihari/internal/target"
	"github.com/nao1215/mihari/pkg/event"
	"github.com/nao1215/mihari/pkg/middleware"
)

// Server は通知パイプラインのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// dir は台帳ストア。
	dir *directory.Store
	// settings は通知設定ストア。
	settings *settings.Store
	// subs は購読ストア。
	subs *subscription.Store
	// events はイベント処理ストア。
	events *eventcache.Store
	// dispatcher は通知の配送パイプライン。
	dispatcher *dispatch.Dispatcher
	// scheduler はダイジェストのフラッシュ予約タイマー。
	scheduler *digest.TimerScheduler
}

// NewServer は新しいAPIサーバーを生成する。
// SQLiteデータベースの初期化とマイグレーションを行い、
// 配送パイプライン一式を組み立てる。
func NewServer(port string) (*Server, error) {
	dbPath := os.Getenv("MIHARI_DB")
	if dbPath == "" {
		dbPath = "/data/mihari.db"
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	var mailer dispatch.Mailer = dispatch.LogMailer{}
	if mailerURL := os.Getenv("MAILER_URL"); mailerURL != "" {
		mailer = dispatch.NewRelayMailer(mailerURL)
	}

	s := newServer(port, db, mailer)
	s.setupRoutes()
	return s, nil
}

// newServer は配送パイプライン一式を組み立ててServerを構築する。
// ルーティングの設定は行わない。
func newServer(port string, db *sql.DB, mailer dispatch.Mailer) *Server {
	dir := directory.NewStore(db)
	settingsStore := settings.NewStore(db)
	ownershipStore := ownership.NewStore(db)
	subs := subscription.NewStore(db, dir, settingsStore)
	resolver := target.NewResolver(dir, settingsStore, ownershipStore, target.NewMemoryCache())

	// スケジューラとディスパッチャは相互に参照するため、
	// フラッシュ関数はディスパッチャの組み立て後に解決される
	var dispatcher *dispatch.Dispatcher
	scheduler := digest.NewTimerScheduler(func(key digest.Key) { dispatcher.FlushKey(key) })
	accumulator := digest.NewAccumulator(digest.NewMemoryBackend(), scheduler)
	personalizer := digest.NewPersonalizer(subs, dir)
	dispatcher = dispatch.NewDispatcher(dir, subs, resolver, accumulator, personalizer, mailer)

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	return &Server{
		router:     router,
		port:       port,
		db:         db,
		dir:        dir,
		settings:   settingsStore,
		subs:       subs,
		events:     eventcache.NewStore(eventcache.NewMemoryKV()),
		dispatcher: dispatcher,
		scheduler:  scheduler,
	}
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// Close はフラッシュタイマーを停止し、データベース接続を閉じる。
func (s *Server) Close() error {
	s.scheduler.Stop()
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}
	if origins := os.Getenv("MIHARI_CORS_ORIGINS"); origins != "" {
		s.router.Use(middleware.CORS(strings.Split(origins, ",")))
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	s.registerRoutes(api)

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mihari"})
	})
}

// registerRoutes は認証済みグループ配下のルーティングを登録する。
func (s *Server) registerRoutes(api *gin.RouterGroup) {
	events := api.Group("/events")
	{
		// イベントの取り込みと通知のディスパッチ
		events.POST("", s.handleIngestEvent())
		// 処理ストアからのイベント取得
		events.GET("/:project_id/:event_id", s.handleGetEvent())
	}

	issues := api.Group("/issues")
	{
		// Issueの購読
		issues.POST("/:id/subscribe", s.handleSubscribe())
		// Issueの参加者一覧取得
		issues.GET("/:id/participants", s.handleListParticipants())
	}

	// 認証済みユーザーの通知設定更新
	api.PUT("/settings", s.handleUpdateSetting())
}

// ingestRequest はイベント取り込みリクエストのJSON構造。
type ingestRequest struct {
	// ProjectID は発生元プロジェクトのID。
	ProjectID string `json:"project_id" binding:"required"`
	// GroupID はイベントの集約先IssueのID。
	GroupID string `json:"group_id" binding:"required"`
	// ShortID はIssueの短縮ID。省略時はGroupIDをそのまま使用する。
	ShortID string `json:"short_id"`
	// Title はイベントの表題。
	Title string `json:"title" binding:"required"`
	// Level はイベントの深刻度。省略時はerror。
	Level string `json:"level"`
	// Environment はイベントが発生した環境。
	Environment string `json:"environment"`
	// Tags はイベントに付与するタグ。
	Tags map[string]string `json:"tags"`
	// Data はスタックトレース等のイベント固有データ。
	Data json.RawMessage `json:"data"`
}

// handleIngestEvent はイベントを取り込み、アラートルールの通知先ごとに
// ディスパッチャへ引き渡すハンドラ。
func (s *Server) handleIngestEvent() gin.HandlerFunc {
	type targetKey struct {
		targetType       string
		targetIdentifier string
	}

	return func(c *gin.Context) {
		var req ingestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		ctx := c.Request.Context()
		if _, err := s.dir.GetProject(ctx, req.ProjectID); err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "プロジェクトが見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロジェクトの取得に失敗しました"})
			log.Printf("プロジェクト取得エラー: %v", err)
			return
		}

		level := event.Level(req.Level)
		if req.Level == "" {
			level = event.LevelError
		}
		ev, err := event.New(req.ProjectID, req.GroupID, req.Title, level, req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "イベントデータの形式が不正です"})
			return
		}
		ev.Environment = req.Environment
		ev.Tags = req.Tags

		if err := s.events.Store(ev); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの保存に失敗しました"})
			log.Printf("イベント保存エラー: %v", err)
			return
		}

		shortID := req.ShortID
		if shortID == "" {
			shortID = req.GroupID
		}
		group := &directory.Group{
			ID: req.GroupID, ProjectID: req.ProjectID,
			ShortID: shortID, Title: req.Title, Level: string(level),
		}
		if err := s.dir.UpsertGroup(ctx, group); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Issueの更新に失敗しました"})
			log.Printf("Issue更新エラー: %v", err)
			return
		}

		rules, err := s.dir.ListAlertRules(ctx, req.ProjectID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アラートルールの取得に失敗しました"})
			log.Printf("アラートルール取得エラー: %v", err)
			return
		}

		// 同じ通知先を持つルールはまとめて1回でディスパッチする
		byTarget := make(map[targetKey][]directory.AlertRule)
		for _, rule := range rules {
			key := targetKey{targetType: rule.TargetType, targetIdentifier: rule.TargetIdentifier}
			byTarget[key] = append(byTarget[key], rule)
		}
		for key, matched := range byTarget {
			targetType, err := target.ParseType(key.targetType)
			if err != nil {
				log.Printf("アラートルールの通知先が不正です: type=%s, err=%v", key.targetType, err)
				continue
			}
			if err := s.dispatcher.RuleNotify(ctx, ev, group, targetType, key.targetIdentifier, matched); err != nil {
				log.Printf("通知のディスパッチに失敗しました: target=%s, err=%v", key.targetType, err)
			}
		}

		c.JSON(http.StatusAccepted, gin.H{"event_id": ev.ID, "matched_rules": len(rules)})
	}
}

// handleGetEvent は処理ストアからイベントを取得するハンドラ。
func (s *Server) handleGetEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		ev, err := s.events.Get(c.Param("project_id"), c.Param("event_id"))
		if err != nil {
			if errors.Is(err, eventcache.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "イベントが見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの取得に失敗しました"})
			log.Printf("イベント取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, ev)
	}
}

// subscribeRequest はIssue購読リクエストのJSON構造。
type subscribeRequest struct {
	// Reason は購読理由コード。省略時はReasonUnknown。
	Reason int `json:"reason"`
}

// handleSubscribe は認証済みユーザーをIssueの購読者として登録するハンドラ。
// 既に購読済みの場合も成功として扱う。
func (s *Server) handleSubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}
		reason := subscription.Reason(req.Reason)
		if !reason.Persistable() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "購読理由コードが不正です"})
			return
		}

		ctx := c.Request.Context()
		group, err := s.dir.GetGroup(ctx, c.Param("id"))
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Issueが見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Issueの取得に失敗しました"})
			log.Printf("Issue取得エラー: %v", err)
			return
		}

		if err := s.subs.Subscribe(ctx, group, userID, reason); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読の登録に失敗しました"})
			log.Printf("購読登録エラー: %v", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": "Issueを購読しました"})
	}
}

// participantResponse は参加者1人分のJSONレスポンス構造。
type participantResponse struct {
	// UserID は参加者のユーザーID。
	UserID string `json:"user_id"`
	// Reason は購読理由コード。
	Reason int `json:"reason"`
	// Description は購読理由の説明文。
	Description string `json:"description"`
}

// handleListParticipants はIssueのワークフロー通知の参加者一覧を返すハンドラ。
func (s *Server) handleListParticipants() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		group, err := s.dir.GetGroup(ctx, c.Param("id"))
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Issueが見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Issueの取得に失敗しました"})
			log.Printf("Issue取得エラー: %v", err)
			return
		}

		participants, err := s.subs.GetParticipants(ctx, group)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "参加者の解決に失敗しました"})
			log.Printf("参加者解決エラー: %v", err)
			return
		}

		responses := make([]participantResponse, 0, len(participants))
		for userID, reason := range participants {
			responses = append(responses, participantResponse{
				UserID:      userID,
				Reason:      int(reason),
				Description: reason.Description(),
			})
		}
		sort.Slice(responses, func(i, j int) bool { return responses[i].UserID < responses[j].UserID })
		c.JSON(http.StatusOK, responses)
	}
}

// settingRequest は通知設定更新リクエストのJSON構造。
type settingRequest struct {
	// Type は通知種別（workflow / issue_alerts / deploy）。
	Type string `json:"type" binding:"required"`
	// ScopeType は設定のスコープ種別（project / organization / default）。
	ScopeType string `json:"scope_type" binding:"required"`
	// ScopeID はスコープの対象ID。defaultスコープでは省略する。
	ScopeID string `json:"scope_id"`
	// Value は設定値（default / never / always）。
	Value string `json:"value" binding:"required"`
}

// handleUpdateSetting は認証済みユーザーの通知設定を更新するハンドラ。
func (s *Server) handleUpdateSetting() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req settingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}
		setting, err := parseSetting(userID, req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := s.settings.Set(c.Request.Context(), setting); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知設定の保存に失敗しました"})
			log.Printf("通知設定保存エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知設定を更新しました"})
	}
}

// parseSetting はリクエストの文字列値を検証して通知設定レコードに変換する。
func parseSetting(userID string, req settingRequest) (settings.Setting, error) {
	typ := settings.Type(req.Type)
	switch typ {
	case settings.TypeWorkflow, settings.TypeIssueAlerts, settings.TypeDeploy:
	default:
		return settings.Setting{}, fmt.Errorf("通知種別が不正です: %s", req.Type)
	}

	scopeType := settings.ScopeType(req.ScopeType)
	switch scopeType {
	case settings.ScopeProject, settings.ScopeOrganization:
		if req.ScopeID == "" {
			return settings.Setting{}, fmt.Errorf("%sスコープにはscope_idが必要です", req.ScopeType)
		}
	case settings.ScopeDefault:
		req.ScopeID = ""
	default:
		return settings.Setting{}, fmt.Errorf("スコープ種別が不正です: %s", req.ScopeType)
	}

	value := settings.Value(req.Value)
	switch value {
	case settings.ValueDefault, settings.ValueNever, settings.ValueAlways:
	default:
		return settings.Setting{}, fmt.Errorf("設定値が不正です: %s", req.Value)
	}

	return settings.Setting{
		UserID:    userID,
		Channel:   settings.ChannelEmail,
		Type:      typ,
		ScopeType: scopeType,
		ScopeID:   req.ScopeID,
		Value:     value,
	}, nil
}
