package pagination

import (
	"errors"
	"net/url"
	"testing"
)

func TestParseDefaultsPageSize(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d, got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("unexpected page token %q", params.PageToken)
	}
}

func TestParseCapsPageSize(t *testing.T) {
	values := url.Values{"pageSize": []string{"500"}}
	params, err := Parse(values, Options{MaxPageSize: 100})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if params.PageSize != 100 {
		t.Fatalf("expected capped page size 100, got %d", params.PageSize)
	}
}

func TestParseRejectsInvalidPageSize(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-5"} {
		_, err := Parse(url.Values{"pageSize": []string{raw}}, Options{})
		if !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("pageSize %q: expected ErrInvalidPageSize, got %v", raw, err)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cursor := Cursor{StartAfter: []any{"2024-03-05T12:00:00Z", "ord_123"}}
	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	params, err := Parse(url.Values{"pageToken": []string{token}}, Options{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(params.Cursor.StartAfter) != 2 {
		t.Fatalf("expected two cursor values, got %d", len(params.Cursor.StartAfter))
	}
	if params.Cursor.StartAfter[1] != "ord_123" {
		t.Fatalf("unexpected cursor value %v", params.Cursor.StartAfter[1])
	}
}

func TestParseRejectsMalformedToken(t *testing.T) {
	_, err := Parse(url.Values{"pageToken": []string{"!!not-base64!!"}}, Options{})
	if !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token for empty cursor, got %q", token)
	}
}
