package template

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-protocol/admin/internal/models"
)

// seedWelcome creates the email template "welcome" at version 3.
func seedWelcome(t *testing.T, svc *Service) *models.Template {
	t.Helper()
	ctx := context.Background()

	tmpl, err := svc.Create(ctx, models.KindEmail, emailRequest("welcome"))
	require.NoError(t, err)
	for i := 2; i <= 3; i++ {
		tmpl, err = svc.Update(ctx, tmpl.ID, UpdateRequest{Content: models.Content{
			Subject: fmt.Sprintf("Welcome v%d", i),
			HTML:    fmt.Sprintf("<p>v%d</p>", i),
		}})
		require.NoError(t, err)
	}
	require.Equal(t, 3, tmpl.CurrentVersion)
	return tmpl
}

func importDoc(t *testing.T, templates ...ExportedTemplate) []byte {
	t.Helper()
	raw, err := json.Marshal(ExportDocument{Kind: models.KindEmail, Templates: templates})
	require.NoError(t, err)
	return raw
}

var importedWelcome = ExportedTemplate{
	Name:    "welcome",
	Subject: "Imported welcome {{first_name}}",
	HTML:    "<p>imported</p>",
}

func TestImport_Skip(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()
	orig := seedWelcome(t, svc)

	res, err := svc.Import(ctx, models.KindEmail, importDoc(t, importedWelcome), Skip, "ops")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Errors)
	assert.Equal(t, OutcomeSkipped, res.Items[0].Action)

	got, err := svc.Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentVersion)
	assert.Equal(t, orig.Content, got.Content)
}

func TestImport_Overwrite(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()
	orig := seedWelcome(t, svc)

	res, err := svc.Import(ctx, models.KindEmail, importDoc(t, importedWelcome), Overwrite, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, OutcomeUpdated, res.Items[0].Action)

	got, err := svc.Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.CurrentVersion)
	assert.Equal(t, "Imported welcome {{first_name}}", got.Content.Subject)
	assert.Equal(t, []string{"first_name"}, got.Variables)

	versions, err := svc.ListVersions(ctx, orig.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 4)
}

func TestImport_CreateNew(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()
	orig := seedWelcome(t, svc)

	res, err := svc.Import(ctx, models.KindEmail, importDoc(t, importedWelcome), CreateNew, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	require.Len(t, res.Items, 1)
	assert.Equal(t, OutcomeRenamed, res.Items[0].Action)
	assert.Equal(t, "welcome_imported", res.Items[0].StoredName)

	got, err := svc.Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentVersion)
	assert.Equal(t, orig.Content, got.Content)

	all, err := svc.List(ctx, models.KindEmail, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// A second import picks the next free suffix.
	res, err = svc.Import(ctx, models.KindEmail, importDoc(t, importedWelcome), CreateNew, "ops")
	require.NoError(t, err)
	assert.Equal(t, "welcome_imported_2", res.Items[0].StoredName)
}

func TestImport_MissingNameIsCreatedUnderEveryStrategy(t *testing.T) {
	for _, st := range []Strategy{Skip, Overwrite, CreateNew} {
		t.Run(st.String(), func(t *testing.T) {
			svc := NewService(newMemRepo())
			res, err := svc.Import(context.Background(), models.KindEmail, importDoc(t, importedWelcome), st, "ops")
			require.NoError(t, err)
			assert.Equal(t, 1, res.Imported)
			assert.Equal(t, OutcomeCreated, res.Items[0].Action)
			assert.Equal(t, "welcome", res.Items[0].StoredName)
			assert.Equal(t, 1, res.Items[0].Version)
		})
	}
}

func TestImport_PartialFailure(t *testing.T) {
	pub := &fakePublisher{}
	svc := NewService(newMemRepo(), WithPublisher(pub))
	ctx := context.Background()

	raw, err := json.Marshal(map[string]interface{}{
		"templates": []ExportedTemplate{
			{Name: "first", Body: "one {{a}}"},
			{Name: "second", Body: ""},
			{Name: "third", Body: "three"},
		},
	})
	require.NoError(t, err)

	res, err := svc.Import(ctx, models.KindPrompt, raw, Skip, "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 0, res.Skipped)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "second")
	assert.Equal(t, OutcomeFailed, res.Items[1].Action)

	for _, name := range []string{"first", "third"} {
		_, err := svc.GetByName(ctx, models.KindPrompt, name)
		assert.NoError(t, err, name)
	}
	_, err = svc.GetByName(ctx, models.KindPrompt, "second")
	assert.ErrorIs(t, err, ErrNotFound)

	names := pub.names()
	assert.Equal(t, EventImported, names[len(names)-1])
}

func TestImport_RejectsDocumentWithoutTemplates(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()

	for _, raw := range []string{`{}`, `{"items": []}`, `{"templates": {"a": 1}}`, `{"templates": null}`} {
		_, err := svc.Import(ctx, models.KindPrompt, []byte(raw), Skip, "ops")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, raw)
		assert.Contains(t, verr.Error(), "templates array is required")
	}

	_, err := svc.Import(ctx, models.KindPrompt, []byte(`{"templates": [`), Skip, "ops")
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestImport_RejectsOtherKind(t *testing.T) {
	svc := NewService(newMemRepo())
	_, err := svc.Import(context.Background(), models.KindPrompt, importDoc(t, importedWelcome), Skip, "ops")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": Skip, "skip": Skip, "overwrite": Overwrite, "create_new": CreateNew} {
		got, err := ParseStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("merge")
	assert.Error(t, err)
}

func TestExportImport_RoundTripWithHistory(t *testing.T) {
	src := NewService(newMemRepo())
	ctx := context.Background()
	orig := seedWelcome(t, src)

	doc, err := src.Export(ctx, models.KindEmail, ExportRequest{IncludeHistory: true})
	require.NoError(t, err)
	require.Len(t, doc.Templates, 1)
	et := doc.Templates[0]
	assert.Equal(t, "welcome", et.Name)
	assert.Equal(t, 3, et.Version)
	require.Len(t, et.Versions, 3)
	assert.Equal(t, 1, et.Versions[0].Version)
	assert.Equal(t, 3, et.Versions[2].Version)

	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	dst := NewService(newMemRepo())
	res, err := dst.Import(ctx, models.KindEmail, raw, Skip, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 3, res.Items[0].Version)

	copied, err := dst.GetByName(ctx, models.KindEmail, "welcome")
	require.NoError(t, err)
	assert.Equal(t, orig.Content, copied.Content)

	srcVersions, err := src.ListVersions(ctx, orig.ID)
	require.NoError(t, err)
	dstVersions, err := dst.ListVersions(ctx, copied.ID)
	require.NoError(t, err)
	require.Len(t, dstVersions, len(srcVersions))
	for i := range srcVersions {
		assert.Equal(t, srcVersions[i].Version, dstVersions[i].Version)
		assert.Equal(t, srcVersions[i].Content, dstVersions[i].Content)
	}
}

func TestExport_SelectedIDs(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()

	a, err := svc.Create(ctx, models.KindPrompt, promptRequest("a", "A {{x}}"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, models.KindPrompt, promptRequest("b", "B"))
	require.NoError(t, err)

	doc, err := svc.Export(ctx, models.KindPrompt, ExportRequest{IDs: []uuid.UUID{a.ID}})
	require.NoError(t, err)
	require.Len(t, doc.Templates, 1)
	assert.Equal(t, "a", doc.Templates[0].Name)
	assert.Equal(t, []string{"x"}, doc.Templates[0].Variables)
	assert.Empty(t, doc.Templates[0].Versions)

	_, err = svc.Export(ctx, models.KindEmail, ExportRequest{IDs: []uuid.UUID{a.ID}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImport_InvalidHistoryCreatesNothing(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()

	promo := ExportedTemplate{
		Name:    "promo",
		Subject: "Promo",
		HTML:    "<p>promo</p>",
		Versions: []ExportedVersion{
			{Version: 1, Content: models.Content{Subject: "Promo", HTML: "<p>promo</p>"}},
			{Version: 2, Content: models.Content{}},
		},
	}
	res, err := svc.Import(ctx, models.KindEmail, importDoc(t, promo), Skip, "ops")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "version 2")
	assert.Equal(t, OutcomeFailed, res.Items[0].Action)

	_, err = svc.GetByName(ctx, models.KindEmail, "promo")
	assert.ErrorIs(t, err, ErrNotFound)

	// A corrected document then imports cleanly instead of being skipped.
	promo.Versions = promo.Versions[:1]
	res, err = svc.Import(ctx, models.KindEmail, importDoc(t, promo), Skip, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
}

func TestImport_HistoryReplayedOldestFirst(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()

	content := func(n int) models.Content {
		return models.Content{Subject: fmt.Sprintf("S%d", n), HTML: fmt.Sprintf("<p>%d</p>", n)}
	}
	newsletter := ExportedTemplate{
		Name:    "newsletter",
		Subject: "S3",
		HTML:    "<p>3</p>",
		Versions: []ExportedVersion{
			{Version: 3, Content: content(3)},
			{Version: 2, Content: content(2)},
			{Version: 1, Content: content(1)},
		},
	}
	res, err := svc.Import(ctx, models.KindEmail, importDoc(t, newsletter), Skip, "ops")
	require.NoError(t, err)
	require.Equal(t, 1, res.Imported)
	assert.Equal(t, 3, res.Items[0].Version)

	got, err := svc.GetByName(ctx, models.KindEmail, "newsletter")
	require.NoError(t, err)
	assert.Equal(t, "S3", got.Content.Subject)

	versions, err := svc.ListVersions(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for _, v := range versions {
		assert.Equal(t, fmt.Sprintf("S%d", v.Version), v.Content.Subject)
	}

	// The caller's document is left in the order it was given.
	assert.Equal(t, 3, newsletter.Versions[0].Version)
}

func TestImport_CreateNewTrimsLongNames(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()

	long := strings.Repeat("n", 100)
	_, err := svc.Create(ctx, models.KindEmail, emailRequest(long))
	require.NoError(t, err)

	item := ExportedTemplate{Name: long, Subject: "Hi", HTML: "<p>hi</p>"}
	for _, suffix := range []string{"_imported", "_imported_2"} {
		res, err := svc.Import(ctx, models.KindEmail, importDoc(t, item), CreateNew, "ops")
		require.NoError(t, err)
		require.Equal(t, 1, res.Imported, res.Errors)
		stored := res.Items[0].StoredName
		assert.Equal(t, OutcomeRenamed, res.Items[0].Action)
		assert.LessOrEqual(t, len(stored), 100)
		assert.True(t, strings.HasSuffix(stored, suffix), stored)
		assert.True(t, strings.HasPrefix(stored, "nnnn"), stored)
	}
}

func TestTruncateName_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", truncateName("abc", 10))
	assert.Equal(t, "ab", truncateName("abcd", 2))
	// "é" is two bytes; cutting inside it drops the whole rune.
	assert.Equal(t, "a", truncateName("aéb", 2))
	assert.Equal(t, "aé", truncateName("aéb", 3))
}
