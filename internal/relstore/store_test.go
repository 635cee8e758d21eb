package relstore_test

import (
	"path/filepath"
	"testing"

	"github.com/archivesearch/core/internal/relstore"
	"github.com/archivesearch/core/internal/testutil"
)

func TestOpenRejectsPostgresDSN(t *testing.T) {
	_, err := relstore.Open("postgres://localhost/db")
	if err == nil {
		t.Fatal("expected error opening a postgres DSN")
	}
}

func TestInitSchemaCreatesTables(t *testing.T) {
	st := testutil.NewTestStore(t)
	for _, table := range []string{"sources", "companies", "contacts", "messages", "recipients", "attachments"} {
		var name string
		err := st.DB().QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		testutil.MustNoErr(t, err, "expect table "+table)
	}
}

func TestGetStatsCountsRows(t *testing.T) {
	st := testutil.NewTestStore(t)

	_, err := st.CreateSource("tenant-a", "x", relstore.SourceKindMbox, "x.mbox")
	testutil.MustNoErr(t, err, "CreateSource")

	_, err = st.GetOrCreateContact("tenant-a", "a@example.com", "", "", fixedTime)
	testutil.MustNoErr(t, err, "GetOrCreateContact")

	_, err = st.GetOrCreateCompany("tenant-a", "example.com", fixedTime)
	testutil.MustNoErr(t, err, "GetOrCreateCompany")

	m := newMessage(t, st, "tenant-a", "stats@example.com")
	_, _, err = st.UpsertMessage(m)
	testutil.MustNoErr(t, err, "UpsertMessage")

	stats, err := st.GetStats()
	testutil.MustNoErr(t, err, "GetStats")
	if stats.SourceCount != 1 {
		t.Errorf("SourceCount = %d, want 1", stats.SourceCount)
	}
	// newMessage creates an additional contact ("from@example.com"), so
	// expect both it and the explicitly created one.
	if stats.ContactCount != 2 {
		t.Errorf("ContactCount = %d, want 2", stats.ContactCount)
	}
	if stats.CompanyCount != 1 {
		t.Errorf("CompanyCount = %d, want 1", stats.CompanyCount)
	}
	if stats.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", stats.MessageCount)
	}
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "reopen.db")

	st, err := relstore.Open(dbPath)
	testutil.MustNoErr(t, err, "Open")
	testutil.MustNoErr(t, st.InitSchema(), "InitSchema")
	_, err = st.CreateSource("tenant-a", "x", relstore.SourceKindMbox, "x.mbox")
	testutil.MustNoErr(t, err, "CreateSource")
	testutil.MustNoErr(t, st.Close(), "Close")

	reopened, err := relstore.Open(dbPath)
	testutil.MustNoErr(t, err, "reopen")
	defer reopened.Close()
	testutil.MustNoErr(t, reopened.InitSchema(), "InitSchema on reopen")

	sources, err := reopened.ListSources("tenant-a")
	testutil.MustNoErr(t, err, "ListSources")
	if len(sources) != 1 {
		t.Errorf("got %d sources after reopen, want 1", len(sources))
	}
}
