package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nao1215/sonic/internal/config"
	"github.com/nao1215/sonic/pkg/middleware"
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービス設定。
	cfg *config.Config
	// store は通知の永続化層。
	store *Store
	// hub はライブ接続のグループ管理。
	hub *Hub
	// dispatcher は内部APIからの一斉配信を担う。
	dispatcher *Dispatcher
	// checks は/healthで確認する依存先。
	checks []healthCheck
	logger zerolog.Logger
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// ServerOption はServerの任意設定。
type ServerOption func(*Server)

// WithHealthCheck は/healthで確認する依存先を追加する。checkがエラーを返すと503になる。
func WithHealthCheck(name string, check func(ctx context.Context) error) ServerOption {
	return func(s *Server) {
		s.checks = append(s.checks, healthCheck{name: name, check: check})
	}
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg *config.Config, store *Store, hub *Hub, dispatcher *Dispatcher, logger zerolog.Logger, opts ...ServerOption) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:     router,
		cfg:        cfg,
		store:      store,
		hub:        hub,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "server").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのHTTPハンドラーを返す。テストで使用する。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまでブロックする。
// 停止時は新規リクエストの受付を止めてから全てのWebSocket接続を閉じる。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           otelhttp.NewHandler(s.router, "sonic-notification"),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("通知サービスを起動しました")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("通知サービスを停止します")
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shCtx)
	// Shutdownはハイジャック済みの接続を待たない
	s.hub.CloseAll()
	if err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	ws := NewWSHandler(
		s.hub,
		s.store,
		JWTPrincipal(s.cfg.JWTSecret),
		middleware.OriginChecker(s.cfg.AllowedOrigins),
		ConnConfig{
			SendBuffer:      s.cfg.WebSocket.SendBuffer,
			WriteTimeout:    s.cfg.WebSocket.WriteTimeout,
			ReadTimeout:     s.cfg.WebSocket.ReadTimeout,
			MaxMessageBytes: s.cfg.WebSocket.MaxMessageBytes,
		},
		s.logger,
	)
	// 未認証でも接続は受け付けるためJWTミドルウェアは通さない
	s.router.GET("/ws/notifications", gin.WrapH(ws))

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	s.registerAPI(api)

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// registerAPI は認証済みグループにREST APIを登録する。テストでは別の認証ミドルウェアで使う。
func (s *Server) registerAPI(api *gin.RouterGroup) {
	notifications := api.Group("/notifications")
	{
		// 通知一覧取得
		notifications.GET("", s.handleList())
		// 未読通知一覧取得
		notifications.GET("/unread", s.handleListUnread())
		// 未読件数取得
		notifications.GET("/unread/count", s.handleUnreadCount())
		// 通知を既読にする
		notifications.PUT("/:id/read", s.handleMarkAsRead())
		// 全通知を既読にする
		notifications.PUT("/read-all", s.handleMarkAllAsRead())
	}

	// 内部API（注文処理・管理画面から呼び出される）
	internal := api.Group("/internal", middleware.RequireRole(middleware.RoleAdmin))
	{
		internal.POST("/send", s.handleSend())
		internal.DELETE("/notifications", s.handleSoftDeleteNotifications())

		internal.GET("/notification-types", s.handleListCategories())
		internal.POST("/notification-types", s.handleCreateCategory())
		internal.PUT("/notification-types/:id", s.handleUpdateCategory())
		internal.DELETE("/notification-types", s.handleSoftDeleteCategories())

		internal.POST("/recipients", s.handleUpsertRecipient())
		internal.DELETE("/recipients/:id", s.handleDeleteRecipient())
	}
}

// handleHealth はデータベースと登録された依存先を確認する。
// 1つでも失敗すれば503を返し、checksに失敗した依存先と理由を載せる。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		failed := make(map[string]string)
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("データベースに接続できません")
			failed["database"] = err.Error()
		}
		for _, hc := range s.checks {
			if err := hc.check(ctx); err != nil {
				s.logger.Warn().Err(err).Str("check", hc.name).Msg("依存先が利用できません")
				failed[hc.name] = err.Error()
			}
		}

		if len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "notification", "checks": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	}
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID int64 `json:"id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// TypeID は通知種別のID。
	TypeID int64 `json:"type_id"`
	// Type は通知種別名。
	Type string `json:"type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toNotificationResponses は通知のスライスをJSONレスポンスのスライスに変換する。
func toNotificationResponses(notifications []Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		responses = append(responses, notificationResponse{
			ID:        n.ID,
			UserID:    n.RecipientID,
			TypeID:    n.CategoryID,
			Type:      n.CategoryName,
			Title:     n.Title,
			Message:   n.Message(),
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt.Format(time.RFC3339),
		})
	}
	return responses
}

// parseListFilter はクエリパラメータから一覧の絞り込み条件を組み立てる。
func parseListFilter(c *gin.Context) (ListFilter, error) {
	var f ListFilter
	if v := c.Query("read"); v != "" {
		read, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("readが不正です: %q", v)
		}
		f.Read = &read
	}
	if v := c.Query("type_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			return f, fmt.Errorf("type_idが不正です: %q", v)
		}
		f.CategoryID = id
	}
	f.Search = strings.TrimSpace(c.Query("search"))
	var err error
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

// queryInt は0以上の整数のクエリパラメータを読む。未指定なら0。
func queryInt(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%sが不正です: %q", name, v)
	}
	return n, nil
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		filter, err := parseListFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		notifications, err := s.store.ListForRecipient(c.Request.Context(), userID, filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.logger.Error().Err(err).Msg("通知一覧取得エラー")
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		filter, err := parseListFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		unread := false
		filter.Read = &unread

		notifications, err := s.store.ListForRecipient(c.Request.Context(), userID, filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			s.logger.Error().Err(err).Msg("未読通知一覧取得エラー")
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleUnreadCount は認証済みユーザーの未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		count, err := s.store.UnreadCount(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			s.logger.Error().Err(err).Msg("未読件数取得エラー")
			return
		}

		c.JSON(http.StatusOK, gin.H{"unread_count": count})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 他人の通知や存在しない通知は区別せず404を返す。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが不正です"})
			return
		}

		ok, err := s.store.MarkRead(c.Request.Context(), id, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.logger.Error().Err(err).Int64("notification_id", id).Msg("通知既読処理エラー")
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました", "id": id})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		updated, err := s.store.MarkAllRead(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			s.logger.Error().Err(err).Msg("全通知既読処理エラー")
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}

// SendRequest は通知送信リクエストのJSON構造。CLIのsendコマンドも使用する。
type SendRequest struct {
	// NotificationTypeID は通知種別のID。
	NotificationTypeID int64 `json:"notification_type_id" binding:"required"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知本文。
	Message string `json:"message"`
	// UserIDs は通知先のユーザーID。SendToAllがfalseの場合は必須。
	UserIDs []string `json:"user_ids"`
	// SendToAll がtrueなら有効な全ユーザーに送る。
	SendToAll bool `json:"send_to_all"`
	// ExcludeIDs はSendToAllの対象から除外するユーザーID。
	ExcludeIDs []string `json:"exclude_ids"`
}

// handleSend は通知を作成しライブ接続へ配信するハンドラ。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if !req.SendToAll && len(req.UserIDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_idsまたはsend_to_allが必要です"})
			return
		}

		var result Result
		if req.SendToAll {
			result = s.dispatcher.SendToAll(c.Request.Context(), req.NotificationTypeID, req.Title, req.Message, req.ExcludeIDs)
		} else {
			result = s.dispatcher.SendTo(c.Request.Context(), req.UserIDs, req.NotificationTypeID, req.Title, req.Message)
		}

		switch {
		case result.Success:
			c.JSON(http.StatusOK, result)
		case result.Error == errCategoryNotFound:
			c.JSON(http.StatusNotFound, result)
		default:
			c.JSON(http.StatusInternalServerError, result)
		}
	}
}

// idsRequest は一括論理削除リクエストのJSON構造。
type idsRequest struct {
	IDs []int64 `json:"ids" binding:"required"`
}

// handleSoftDeleteNotifications は通知を一括で論理削除するハンドラ。
func (s *Server) handleSoftDeleteNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			NotificationIDs []int64 `json:"notification_ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		deleted, err := s.store.SoftDelete(c.Request.Context(), req.NotificationIDs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の削除に失敗しました"})
			s.logger.Error().Err(err).Msg("通知論理削除エラー")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を削除しました", "deleted": deleted})
	}
}

// categoryResponse は通知種別のJSONレスポンス構造。
type categoryResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toCategoryResponse(cat *Category) categoryResponse {
	return categoryResponse{
		ID:        cat.ID,
		Name:      cat.Name,
		IsActive:  cat.IsActive,
		CreatedAt: cat.CreatedAt.Format(time.RFC3339),
		UpdatedAt: cat.UpdatedAt.Format(time.RFC3339),
	}
}

// categoryRequest は通知種別の作成・更新リクエスト。IsActiveを省略すると有効になる。
type categoryRequest struct {
	Name     string `json:"name" binding:"required"`
	IsActive *bool  `json:"is_active"`
}

func (r categoryRequest) active() bool {
	return r.IsActive == nil || *r.IsActive
}

func (s *Server) handleListCategories() gin.HandlerFunc {
	return func(c *gin.Context) {
		activeOnly := c.Query("active") == "true"
		categories, err := s.store.ListCategories(c.Request.Context(), activeOnly)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知種別一覧の取得に失敗しました"})
			s.logger.Error().Err(err).Msg("通知種別一覧取得エラー")
			return
		}

		responses := make([]categoryResponse, 0, len(categories))
		for i := range categories {
			responses = append(responses, toCategoryResponse(&categories[i]))
		}
		c.JSON(http.StatusOK, responses)
	}
}

func (s *Server) handleCreateCategory() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req categoryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		cat, err := s.store.CreateCategory(c.Request.Context(), req.Name, req.active())
		if errors.Is(err, ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "同じ名前の通知種別が既に存在します"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知種別の作成に失敗しました"})
			s.logger.Error().Err(err).Msg("通知種別作成エラー")
			return
		}
		c.JSON(http.StatusCreated, toCategoryResponse(cat))
	}
}

func (s *Server) handleUpdateCategory() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知種別IDが不正です"})
			return
		}
		var req categoryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		cat, err := s.store.UpdateCategory(c.Request.Context(), id, req.Name, req.active())
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "通知種別が見つかりません"})
		case errors.Is(err, ErrAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{"error": "同じ名前の通知種別が既に存在します"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知種別の更新に失敗しました"})
			s.logger.Error().Err(err).Int64("type_id", id).Msg("通知種別更新エラー")
		default:
			c.JSON(http.StatusOK, toCategoryResponse(cat))
		}
	}
}

func (s *Server) handleSoftDeleteCategories() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req idsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		deleted, err := s.store.SoftDeleteCategories(c.Request.Context(), req.IDs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知種別の削除に失敗しました"})
			s.logger.Error().Err(err).Msg("通知種別論理削除エラー")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知種別を削除しました", "deleted": deleted})
	}
}

// recipientRequest は受信者の同期リクエスト。IsActiveを省略すると有効になる。
type recipientRequest struct {
	ID       string `json:"id" binding:"required"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsActive *bool  `json:"is_active"`
}

func (s *Server) handleUpsertRecipient() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recipientRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		err := s.store.UpsertRecipient(c.Request.Context(), Recipient{
			ID:       req.ID,
			Username: req.Username,
			Email:    req.Email,
			IsActive: req.IsActive == nil || *req.IsActive,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "受信者の登録に失敗しました"})
			s.logger.Error().Err(err).Str("recipient_id", req.ID).Msg("受信者登録エラー")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "受信者を登録しました", "id": req.ID})
	}
}

func (s *Server) handleDeleteRecipient() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ok, err := s.store.SoftDeleteRecipient(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "受信者の削除に失敗しました"})
			s.logger.Error().Err(err).Str("recipient_id", id).Msg("受信者論理削除エラー")
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "受信者が見つかりません"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "受信者を削除しました", "id": id})
	}
}
