package cellrec

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tmpLog(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "cellrec")
	if err != nil {
		t.Fatal("could not make temp dir:", err)
	}
	return filepath.Join(dir, "data", "voltages.csv"), func() { os.RemoveAll(dir) }
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	b, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal("could not read log:", err)
	}
	return string(b)
}

func TestNewCreatesFileWithHeader(t *testing.T) {
	path, clean := tmpLog(t)
	defer clean()
	r, err := New(path)
	if err != nil {
		t.Fatal("could not create recorder:", err)
	}
	if err := r.Close(); err != nil {
		t.Fatal("close failed:", err)
	}
	content := mustRead(t, path)
	expected := "Timestamp,Open-Circuit Voltage (V),Cell Number\n"
	if content != expected {
		t.Errorf("fresh log expected %q, got %q", expected, content)
	}
}

func TestAppendPersistsRows(t *testing.T) {
	path, clean := tmpLog(t)
	defer clean()
	r, err := New(path)
	if err != nil {
		t.Fatal("could not create recorder:", err)
	}
	now := time.Now()
	recs := []Record{
		{Cell: 5, Time: now, Volts: 3.7321},
		{Cell: 9, Time: now.Add(time.Second), Volts: 4.03517},
	}
	for _, rec := range recs {
		if err := r.Append(rec); err != nil {
			t.Fatal("append failed:", err)
		}
	}
	r.Close()
	lines := strings.Split(strings.TrimRight(mustRead(t, path), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if !strings.HasSuffix(lines[1], ",3.7321,5") {
		t.Errorf("first row expected to end with voltage and cell, got %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], ",4.03517,9") {
		t.Errorf("second row expected to end with voltage and cell, got %q", lines[2])
	}
}

func TestReopenNeverTouchesPriorRows(t *testing.T) {
	path, clean := tmpLog(t)
	defer clean()
	r, err := New(path)
	if err != nil {
		t.Fatal("could not create recorder:", err)
	}
	r.Append(Record{Cell: 1, Time: time.Now(), Volts: 3.81})
	r.Append(Record{Cell: 2, Time: time.Now(), Volts: 3.79})
	r.Close()
	firstRun := mustRead(t, path)

	r, err = New(path)
	if err != nil {
		t.Fatal("could not reopen recorder:", err)
	}
	r.Append(Record{Cell: 3, Time: time.Now(), Volts: 3.77})
	r.Close()
	secondRun := mustRead(t, path)

	if !strings.HasPrefix(secondRun, firstRun) {
		t.Error("reopening modified previously written rows")
	}
	firstN := strings.Count(firstRun, "\n")
	secondN := strings.Count(secondRun, "\n")
	if secondN != firstN+1 {
		t.Errorf("expected exactly one new row, went from %d to %d lines", firstN, secondN)
	}
}

func TestReopenSeedsCells(t *testing.T) {
	path, clean := tmpLog(t)
	defer clean()
	r, err := New(path)
	if err != nil {
		t.Fatal("could not create recorder:", err)
	}
	for _, cell := range []int{5, 9, 5} {
		if err := r.Append(Record{Cell: cell, Time: time.Now(), Volts: 3.7}); err != nil {
			t.Fatal("append failed:", err)
		}
	}
	r.Close()
	r, err = New(path)
	if err != nil {
		t.Fatal("could not reopen recorder:", err)
	}
	defer r.Close()
	cells := r.Cells()
	expected := []int{5, 9, 5}
	if len(cells) != len(expected) {
		t.Fatalf("seeded cells expected %v, got %v", expected, cells)
	}
	for i := range expected {
		if cells[i] != expected[i] {
			t.Fatalf("seeded cells expected %v, got %v", expected, cells)
		}
	}
}

func TestColdTimestampsNeverCollide(t *testing.T) {
	path, clean := tmpLog(t)
	defer clean()
	r, err := New(path)
	if err != nil {
		t.Fatal("could not create recorder:", err)
	}
	stamp := time.Date(2026, 8, 21, 14, 30, 0, 123456789, time.Local)
	for i := 0; i < 3; i++ {
		// same wall clock instant every time; the recorder must make room
		if err := r.Append(Record{Cell: i + 1, Time: stamp, Volts: 3.7}); err != nil {
			t.Fatal("append failed:", err)
		}
	}
	r.Close()
	lines := strings.Split(strings.TrimRight(mustRead(t, path), "\n"), "\n")[1:]
	seen := map[string]bool{}
	var prev time.Time
	for i, line := range lines {
		ts := strings.SplitN(line, ",", 2)[0]
		if seen[ts] {
			t.Fatalf("timestamp %q appears in more than one row", ts)
		}
		seen[ts] = true
		parsed, err := time.ParseInLocation(stampSeconds, ts, time.Local)
		if err != nil {
			t.Fatalf("row timestamp %q does not parse: %v", ts, err)
		}
		if i > 0 && !parsed.After(prev) {
			t.Fatalf("timestamps not strictly increasing: %v then %v", prev, parsed)
		}
		prev = parsed
	}
}

func TestSeededTimestampBlocksCollisionAcrossRuns(t *testing.T) {
	path, clean := tmpLog(t)
	defer clean()
	r, err := New(path)
	if err != nil {
		t.Fatal("could not create recorder:", err)
	}
	stamp := time.Date(2026, 8, 21, 14, 30, 0, 123456789, time.Local)
	r.Append(Record{Cell: 1, Time: stamp, Volts: 3.7})
	r.Close()

	r, err = New(path)
	if err != nil {
		t.Fatal("could not reopen recorder:", err)
	}
	// a clock that went backwards between runs must not produce a duplicate
	r.Append(Record{Cell: 2, Time: stamp.Add(-time.Hour), Volts: 3.8})
	r.Close()

	lines := strings.Split(strings.TrimRight(mustRead(t, path), "\n"), "\n")[1:]
	if len(lines) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(lines))
	}
	first := strings.SplitN(lines[0], ",", 2)[0]
	second := strings.SplitN(lines[1], ",", 2)[0]
	if first == second {
		t.Fatalf("rows from different runs share timestamp %q", first)
	}
	t1, _ := time.ParseInLocation(stampSeconds, first, time.Local)
	t2, _ := time.ParseInLocation(stampSeconds, second, time.Local)
	if !t2.After(t1) {
		t.Errorf("second run's row %v does not sort after the first run's %v", t2, t1)
	}
}

func TestMalformedRowsAreSkippedNotFatal(t *testing.T) {
	path, clean := tmpLog(t)
	defer clean()
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		t.Fatal("could not make dir:", err)
	}
	content := "Timestamp,Open-Circuit Voltage (V),Cell Number\n" +
		"2026-08-20 10:00:00.000000001,3.71,4\n" +
		"not a timestamp,3.71,5\n" +
		"2026-08-20 10:00:02.000000001,3.72,banana\n" +
		"short,row\n" +
		"2026-08-20 10:00:03.000000001,3.73,6\n"
	if err := ioutil.WriteFile(path, []byte(content), 0666); err != nil {
		t.Fatal("could not write fixture:", err)
	}
	r, err := New(path)
	if err != nil {
		t.Fatal("recorder refused a log with malformed rows:", err)
	}
	defer r.Close()
	cells := r.Cells()
	if len(cells) != 2 || cells[0] != 4 || cells[1] != 6 {
		t.Errorf("expected cells [4 6] from the good rows, got %v", cells)
	}
}

func TestAppendAfterCloseIsPersistenceError(t *testing.T) {
	path, clean := tmpLog(t)
	defer clean()
	r, err := New(path)
	if err != nil {
		t.Fatal("could not create recorder:", err)
	}
	r.Close()
	err = r.Append(Record{Cell: 1, Time: time.Now(), Volts: 3.7})
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("append after close expected ErrPersistence, got %v", err)
	}
}

func TestNewFailsWithPersistenceErrorWhenPathIsBad(t *testing.T) {
	dir, err := ioutil.TempDir("", "cellrec")
	if err != nil {
		t.Fatal("could not make temp dir:", err)
	}
	defer os.RemoveAll(dir)
	// a file where the parent directory should be
	obstacle := filepath.Join(dir, "data")
	if err := ioutil.WriteFile(obstacle, []byte("in the way"), 0666); err != nil {
		t.Fatal("could not write obstacle:", err)
	}
	_, err = New(filepath.Join(obstacle, "voltages.csv"))
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence for an uncreatable path, got %v", err)
	}
}

func TestCellsReturnsACopy(t *testing.T) {
	path, clean := tmpLog(t)
	defer clean()
	r, err := New(path)
	if err != nil {
		t.Fatal("could not create recorder:", err)
	}
	defer r.Close()
	r.Append(Record{Cell: 7, Time: time.Now(), Volts: 3.7})
	cells := r.Cells()
	cells[0] = 999
	if again := r.Cells(); again[0] != 7 {
		t.Errorf("mutating the returned slice reached the recorder; got %v", again)
	}
}
