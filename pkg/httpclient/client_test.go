package httpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// testPayload はテスト用のJSONペイロード構造。
type testPayload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// TestPostJSON はPostJSON関数を検証する。
func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("正常にPOSTリクエストを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var (
			receivedMethod      string
			receivedPath        string
			receivedContentType string
			receivedBody        []byte
		)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			receivedMethod = r.Method
			receivedPath = r.URL.Path
			receivedContentType = r.Header.Get("Content-Type")
			receivedBody, _ = io.ReadAll(r.Body)

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 42})
		}))
		defer ts.Close()

		client := New(ts.URL)
		var result testPayload

		err := client.PostJSON(context.Background(), "/api/v1/messages", testPayload{Name: "request", Value: 1}, &result)
		if err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		// リクエストの検証
		if receivedMethod != http.MethodPost {
			t.Errorf("Method = %q, want %q", receivedMethod, http.MethodPost)
		}
		if receivedPath != "/api/v1/messages" {
			t.Errorf("Path = %q, want %q", receivedPath, "/api/v1/messages")
		}
		if receivedContentType != "application/json" {
			t.Errorf("Content-Type = %q, want %q", receivedContentType, "application/json")
		}
		var sent testPayload
		if err := json.Unmarshal(receivedBody, &sent); err != nil {
			t.Fatalf("リクエストボディの解析に失敗: %v", err)
		}
		if sent.Name != "request" || sent.Value != 1 {
			t.Errorf("リクエストボディが一致しません: got=%+v", sent)
		}

		// レスポンスの検証
		if result.Name != "response" {
			t.Errorf("result.Name = %q, want %q", result.Name, "response")
		}
		if result.Value != 42 {
			t.Errorf("result.Value = %d, want %d", result.Value, 42)
		}
	})

	t.Run("サーバーがエラーステータスを返した場合にエラーが返ること", func(t *testing.T) {
		t.Parallel()

		for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError} {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
				w.Write([]byte(`{"error":"failed"}`))
			}))

			client := New(ts.URL)
			err := client.PostJSON(context.Background(), "/api/v1/messages", testPayload{Name: "bad"}, nil)
			if err == nil {
				t.Errorf("status=%dでPostJSON()がエラーを返すべきだが、nilが返った", status)
			}
			ts.Close()
		}
	})

	t.Run("resultがnilの場合でもエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"status":"created"}`))
		}))
		defer ts.Close()

		client := New(ts.URL)
		err := client.PostJSON(context.Background(), "/api/v1/messages", testPayload{Name: "no-result"}, nil)
		if err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 1})
		}))
		defer ts.Close()

		client := New(ts.URL)
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // 即座にキャンセル

		err := client.PostJSON(ctx, "/api/v1/messages", testPayload{Name: "cancelled"}, nil)
		if err == nil {
			t.Fatal("PostJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}
