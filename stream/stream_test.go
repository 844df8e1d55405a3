package stream

import (
	"errors"
	"testing"
)

func TestEncodeDecodeEntry(t *testing.T) {
	body, err := EncodeFields(map[string]string{MessageField: `{"packet_id":"p"}`})
	if err != nil {
		t.Fatalf("EncodeFields error: %v", err)
	}
	want := `{"message":"{\"packet_id\":\"p\"}"}`
	if string(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}

	e, err := DecodeEntry("42", body)
	if err != nil {
		t.Fatalf("DecodeEntry error: %v", err)
	}
	if e.ID != "42" {
		t.Errorf("ID = %q, want 42", e.ID)
	}
	msg, _ := e.Message()
	if string(msg) != `{"packet_id":"p"}` {
		t.Errorf("message = %s", msg)
	}
}

func TestDecodeEntry_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"empty object", `{}`, ErrEmptyEntry},
		{"not json", `nope`, nil},
		{"non-string value", `{"message": 1}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEntry("1", []byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEntry_MissingMessage(t *testing.T) {
	e := Entry{ID: "1", Fields: map[string]string{"other": "x"}}
	if _, err := e.Message(); !errors.Is(err, ErrMissingMessage) {
		t.Errorf("error = %v, want ErrMissingMessage", err)
	}
}

func TestEncodeFields_Empty(t *testing.T) {
	if _, err := EncodeFields(nil); !errors.Is(err, ErrEmptyEntry) {
		t.Errorf("error = %v, want ErrEmptyEntry", err)
	}
}

func TestEncodeFields_NoHTMLEscape(t *testing.T) {
	body, err := EncodeFields(map[string]string{MessageField: `<a & b>`})
	if err != nil {
		t.Fatalf("EncodeFields error: %v", err)
	}
	if want := `{"message":"<a & b>"}`; string(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestErrTimeout_IsTimeout(t *testing.T) {
	var te interface{ Timeout() bool }
	if !errors.As(ErrTimeout, &te) || !te.Timeout() {
		t.Error("ErrTimeout should report Timeout() = true")
	}
}
