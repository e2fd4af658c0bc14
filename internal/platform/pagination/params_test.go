package pagination

import (
	"errors"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("expected empty page token got %q", params.PageToken)
	}
	if !reflect.DeepEqual(params.Cursor, Cursor{}) {
		t.Fatalf("expected zero cursor, got %#v", params.Cursor)
	}
}

func TestParsePageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}
	values := url.Values{}
	values.Set("pageSize", "30")

	params, err := Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 30 {
		t.Fatalf("expected page size 30 got %d", params.PageSize)
	}

	values.Set("pageSize", "400")
	params, err = Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 40 {
		t.Fatalf("expected page size capped at 40 got %d", params.PageSize)
	}

	values.Set("pageSize", "abc")
	if _, err := Parse(values, opts); !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize got %v", err)
	}

	values.Set("pageSize", "0")
	if _, err := Parse(values, opts); !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize got %v", err)
	}
}

func TestParsePageToken(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"orders/0042"}})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	values := url.Values{}
	values.Set("pageToken", token)
	params, err := Parse(values, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageToken != token {
		t.Fatalf("expected page token %q got %q", token, params.PageToken)
	}
	if len(params.Cursor.StartAfter) != 1 || params.Cursor.StartAfter[0] != "orders/0042" {
		t.Fatalf("unexpected cursor: %#v", params.Cursor)
	}

	values.Set("pageToken", "!!not-base64!!")
	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken got %v", err)
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token for empty cursor got %q", token)
	}
}

func TestDecodeTokenEmpty(t *testing.T) {
	cursor, err := DecodeToken("  ")
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if !reflect.DeepEqual(cursor, Cursor{}) {
		t.Fatalf("expected zero cursor got %#v", cursor)
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/porudzbine?pageSize=5", nil)
	params, err := FromRequest(req, Options{DefaultPageSize: 20, MaxPageSize: 100})
	if err != nil {
		t.Fatalf("FromRequest returned error: %v", err)
	}
	if params.PageSize != 5 {
		t.Fatalf("expected page size 5 got %d", params.PageSize)
	}

	if _, err := FromRequest(nil, Options{}); err == nil {
		t.Fatal("expected error for nil request")
	}
}

func TestMust(t *testing.T) {
	params := Must(Params{})
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size got %d", params.PageSize)
	}
	params = Must(Params{PageSize: 7})
	if params.PageSize != 7 {
		t.Fatalf("expected page size preserved got %d", params.PageSize)
	}
}
