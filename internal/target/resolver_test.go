package target

import (
	"testing"
	"time"

	"github.com/nao1215/mihari/internal/database"
	"github.com/nao1215/mihari/internal/directory"
	"github.com/nao1215/mihari/internal/ownership"
	"github.com/nao1215/mihari/internal/settings"
	"github.com/nao1215/mihari/pkg/event"
)

// testResolver はテスト用のリゾルバ一式を保持する。
type testResolver struct {
	resolver  *Resolver
	dir       *directory.Store
	settings  *settings.Store
	ownership *ownership.Store
	project   *directory.Project
}

// setupTestResolver はテスト用のターゲットリゾルバをインメモリSQLiteで構築する。
func setupTestResolver(t *testing.T) *testResolver {
	t.Helper()

	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dir := directory.NewStore(db)
	settingsStore := settings.NewStore(db)
	ownershipStore := ownership.NewStore(db)
	ctx := t.Context()

	if err := dir.CreateOrganization(ctx, "org-1", "acme"); err != nil {
		t.Fatalf("組織の登録に失敗: %v", err)
	}
	project := &directory.Project{ID: "proj-1", OrganizationID: "org-1", Slug: "backend"}
	if err := dir.CreateProject(ctx, project); err != nil {
		t.Fatalf("プロジェクトの登録に失敗: %v", err)
	}
	if err := dir.CreateTeam(ctx, "team-1", "org-1", "platform"); err != nil {
		t.Fatalf("チームの登録に失敗: %v", err)
	}
	if err := dir.AddTeamToProject(ctx, "team-1", "proj-1"); err != nil {
		t.Fatalf("チームの紐づけに失敗: %v", err)
	}
	for _, id := range []string{"user-1", "user-2", "user-3"} {
		if err := dir.CreateUser(ctx, id, id+"@example.com", id, true); err != nil {
			t.Fatalf("ユーザーの登録に失敗: %v", err)
		}
		if err := dir.AddTeamMember(ctx, "team-1", id); err != nil {
			t.Fatalf("チームメンバーの登録に失敗: %v", err)
		}
	}

	return &testResolver{
		resolver:  NewResolver(dir, settingsStore, ownershipStore, NewMemoryCache()),
		dir:       dir,
		settings:  settingsStore,
		ownership: ownershipStore,
		project:   project,
	}
}

// assertRecipients は受信者集合が期待と一致することを検証する。
func assertRecipients(t *testing.T, got map[string]bool, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("受信者数が一致しません: got=%v, want=%v", got, want)
	}
	for _, id := range want {
		if !got[id] {
			t.Errorf("受信者 %s が含まれていません: got=%v", id, got)
		}
	}
}

func TestResolveIssueOwnersEveryoneFallback(t *testing.T) {
	tr := setupTestResolver(t)

	// ルール未設定 → Everyoneセンチネル → 全員送信にフォールバック
	got, err := tr.resolver.Resolve(t.Context(), tr.project, TypeIssueOwners, "",
		&event.Event{ProjectID: "proj-1", Title: "panic"})
	if err != nil {
		t.Fatalf("ターゲット解決に失敗: %v", err)
	}
	assertRecipients(t, got, "user-1", "user-2", "user-3")
}

func TestResolveIssueOwnersEmptyOwners(t *testing.T) {
	tr := setupTestResolver(t)
	ctx := t.Context()

	if err := tr.ownership.CreateRule(ctx, &ownership.Rule{
		ProjectID: "proj-1", MatcherType: "tag:module", Pattern: "payments*",
		Owner: ownership.Owner{Type: ownership.OwnerUser, ID: "user-1"},
	}); err != nil {
		t.Fatalf("ルールの登録に失敗: %v", err)
	}

	// ルールはあるがマッチしない → 空集合（フォールバックしない）
	got, err := tr.resolver.Resolve(ctx, tr.project, TypeIssueOwners, "",
		&event.Event{ProjectID: "proj-1", Title: "panic", Tags: map[string]string{"module": "billing"}})
	if err != nil {
		t.Fatalf("ターゲット解決に失敗: %v", err)
	}
	assertRecipients(t, got)
}

func TestResolveIssueOwnersMatchWithDisabled(t *testing.T) {
	tr := setupTestResolver(t)
	ctx := t.Context()

	// チーム担当者 → メンバー展開、user-2 は通知無効
	if err := tr.ownership.CreateRule(ctx, &ownership.Rule{
		ProjectID: "proj-1", MatcherType: "title", Pattern: "panic*",
		Owner: ownership.Owner{Type: ownership.OwnerTeam, ID: "team-1"},
	}); err != nil {
		t.Fatalf("ルールの登録に失敗: %v", err)
	}
	if err := tr.settings.Set(ctx, settings.Setting{
		UserID: "user-2", Channel: settings.ChannelEmail, Type: settings.TypeIssueAlerts,
		ScopeType: settings.ScopeProject, ScopeID: "proj-1", Value: settings.ValueNever,
	}); err != nil {
		t.Fatalf("通知設定の保存に失敗: %v", err)
	}

	got, err := tr.resolver.Resolve(ctx, tr.project, TypeIssueOwners, "",
		&event.Event{ProjectID: "proj-1", Title: "panic: nil pointer"})
	if err != nil {
		t.Fatalf("ターゲット解決に失敗: %v", err)
	}
	assertRecipients(t, got, "user-1", "user-3")
}

func TestResolveIssueOwnersNoEvent(t *testing.T) {
	tr := setupTestResolver(t)

	// イベントコンテキストなし → 全員送信にフォールバック
	got, err := tr.resolver.Resolve(t.Context(), tr.project, TypeIssueOwners, "", nil)
	if err != nil {
		t.Fatalf("ターゲット解決に失敗: %v", err)
	}
	assertRecipients(t, got, "user-1", "user-2", "user-3")
}

func TestResolveTeam(t *testing.T) {
	tr := setupTestResolver(t)
	ctx := t.Context()

	if err := tr.settings.Set(ctx, settings.Setting{
		UserID: "user-3", Channel: settings.ChannelEmail, Type: settings.TypeIssueAlerts,
		ScopeType: settings.ScopeProject, ScopeID: "proj-1", Value: settings.ValueNever,
	}); err != nil {
		t.Fatalf("通知設定の保存に失敗: %v", err)
	}

	got, err := tr.resolver.Resolve(ctx, tr.project, TypeTeam, "team-1", nil)
	if err != nil {
		t.Fatalf("ターゲット解決に失敗: %v", err)
	}
	assertRecipients(t, got, "user-1", "user-2")
}

func TestResolveTeamNotInProject(t *testing.T) {
	tr := setupTestResolver(t)
	ctx := t.Context()

	// プロジェクトに紐づかないチームは空集合
	if err := tr.dir.CreateTeam(ctx, "team-other", "org-1", "other"); err != nil {
		t.Fatalf("チームの登録に失敗: %v", err)
	}

	got, err := tr.resolver.Resolve(ctx, tr.project, TypeTeam, "team-other", nil)
	if err != nil {
		t.Fatalf("ターゲット解決に失敗: %v", err)
	}
	assertRecipients(t, got)
}

func TestResolveMemberIgnoresDisabled(t *testing.T) {
	tr := setupTestResolver(t)
	ctx := t.Context()

	// 明示的なmemberターゲットは本人の無効設定より優先される
	if err := tr.settings.Set(ctx, settings.Setting{
		UserID: "user-1", Channel: settings.ChannelEmail, Type: settings.TypeIssueAlerts,
		ScopeType: settings.ScopeProject, ScopeID: "proj-1", Value: settings.ValueNever,
	}); err != nil {
		t.Fatalf("通知設定の保存に失敗: %v", err)
	}

	got, err := tr.resolver.Resolve(ctx, tr.project, TypeMember, "user-1", nil)
	if err != nil {
		t.Fatalf("ターゲット解決に失敗: %v", err)
	}
	assertRecipients(t, got, "user-1")
}

func TestResolveMemberNotInProject(t *testing.T) {
	tr := setupTestResolver(t)
	ctx := t.Context()

	if err := tr.dir.CreateUser(ctx, "outsider", "outsider@example.com", "outsider", true); err != nil {
		t.Fatalf("ユーザーの登録に失敗: %v", err)
	}

	got, err := tr.resolver.Resolve(ctx, tr.project, TypeMember, "outsider", nil)
	if err != nil {
		t.Fatalf("ターゲット解決に失敗: %v", err)
	}
	assertRecipients(t, got)
}

func TestResolveNilProject(t *testing.T) {
	tr := setupTestResolver(t)

	got, err := tr.resolver.Resolve(t.Context(), nil, TypeIssueOwners, "", nil)
	if err != nil {
		t.Fatalf("ターゲット解決に失敗: %v", err)
	}
	assertRecipients(t, got)
}

func TestResolveProjectWithoutTeams(t *testing.T) {
	tr := setupTestResolver(t)
	ctx := t.Context()

	lonely := &directory.Project{ID: "proj-lonely", OrganizationID: "org-1", Slug: "lonely"}
	if err := tr.dir.CreateProject(ctx, lonely); err != nil {
		t.Fatalf("プロジェクトの登録に失敗: %v", err)
	}

	got, err := tr.resolver.Resolve(ctx, lonely, TypeIssueOwners, "", nil)
	if err != nil {
		t.Fatalf("ターゲット解決に失敗: %v", err)
	}
	assertRecipients(t, got)
}

func TestShouldNotify(t *testing.T) {
	tr := setupTestResolver(t)
	ctx := t.Context()

	// memberターゲットは常に通知する
	ok, err := tr.resolver.ShouldNotify(ctx, TypeMember, tr.project)
	if err != nil {
		t.Fatalf("通知判定に失敗: %v", err)
	}
	if !ok {
		t.Error("memberターゲットは常に通知すべきです")
	}

	ok, err = tr.resolver.ShouldNotify(ctx, TypeIssueOwners, tr.project)
	if err != nil {
		t.Fatalf("通知判定に失敗: %v", err)
	}
	if !ok {
		t.Error("送信可能なユーザーがいる場合は通知すべきです")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	cache := NewMemoryCache()
	current := time.Now()
	cache.now = func() time.Time { return current }

	cache.Set("key", []string{"user-1"}, 60*time.Second)

	if _, ok := cache.Get("key"); !ok {
		t.Fatal("TTL内のエントリは取得できるべきです")
	}

	// TTLを超過するとエントリは消える
	current = current.Add(61 * time.Second)
	if _, ok := cache.Get("key"); ok {
		t.Error("TTL超過のエントリは取得できないべきです")
	}
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"issue_owners", "team", "member"} {
		if _, err := ParseType(s); err != nil {
			t.Errorf("%s の解析に失敗: %v", s, err)
		}
	}
	if _, err := ParseType("everyone"); err == nil {
		t.Error("未知の種別はエラーになるべきです")
	}
}
