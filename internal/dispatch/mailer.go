package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nao1215/mihari/pkg/httpclient"
)

// relayMaxAttempts はメール中継への送信を試行する最大回数。
const relayMaxAttempts = 3

// DeliveryRequest はメール中継サービスへ引き渡す1通分の配送依頼。
type DeliveryRequest struct {
	// ID は配送依頼の一意識別子。
	ID string `json:"id"`
	// UserID は宛先ユーザーのID。
	UserID string `json:"user_id"`
	// Subject はメールの件名。
	Subject string `json:"subject"`
	// TemplateRef は本文の描画に使用するテンプレートの参照名。
	TemplateRef string `json:"template_ref"`
	// Context はテンプレートに渡す描画コンテキスト。
	Context map[string]any `json:"context"`
	// Headers はメールに付与する追加ヘッダー。
	Headers map[string]string `json:"headers"`
	// ReferenceID はスレッド化に使用する参照ID（IssueのID）。
	ReferenceID string `json:"reference_id"`
}

// Mailer はメール配送依頼の送信先を抽象化するインターフェース。
type Mailer interface {
	// Send は配送依頼を1件送信する。
	Send(ctx context.Context, req DeliveryRequest) error
}

// RelayMailer はHTTP経由でメール中継サービスへ配送依頼を送るメーラー。
type RelayMailer struct {
	// client は中継サービスへのHTTPクライアント。
	client *httpclient.Client
}

// NewRelayMailer は新しいRelayMailerを生成する。
// baseURLにはメール中継サービスのベースURLを指定する。
func NewRelayMailer(baseURL string) *RelayMailer {
	return &RelayMailer{client: httpclient.New(baseURL)}
}

// Send は配送依頼を中継サービスへPOSTする。
// 一時的な失敗は指数バックオフ付きでリトライする。
func (m *RelayMailer) Send(ctx context.Context, req DeliveryRequest) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond

	op := func() error {
		return m.client.PostJSON(ctx, "/api/v1/messages", req, nil)
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, relayMaxAttempts-1), ctx)); err != nil {
		return fmt.Errorf("メール中継への送信に失敗: %w", err)
	}
	return nil
}

// LogMailer は配送依頼をログに書き出すだけのメーラー。
// 中継サービスのURLが設定されていない開発環境で使用する。
type LogMailer struct{}

// Send は配送依頼の内容をログに出力する。
func (LogMailer) Send(_ context.Context, req DeliveryRequest) error {
	log.Printf("[Mailer] 配送依頼: user=%s, subject=%s, template=%s", req.UserID, req.Subject, req.TemplateRef)
	return nil
}
