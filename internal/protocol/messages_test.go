package protocol

import (
	"encoding/base64"
	"testing"
)

func TestParseFrameRequestAudio(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("pcm-bytes"))
	raw := []byte(`{"kind":"audio","payload_base64":"` + payload + `","mime":"audio/pcm;rate=16000"}`)

	req, err := ParseFrameRequest(raw)
	if err != nil {
		t.Fatalf("ParseFrameRequest() error = %v", err)
	}
	if req.Kind != FrameAudio {
		t.Fatalf("Kind = %q, want %q", req.Kind, FrameAudio)
	}
	if req.Mime != "audio/pcm;rate=16000" {
		t.Fatalf("Mime = %q", req.Mime)
	}
	if req.PayloadBase64 != payload {
		t.Fatalf("payload should pass through unchanged")
	}
}

func TestParseFrameRequestDefaultsMime(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{0xff})
	audio, err := ParseFrameRequest([]byte(`{"kind":"audio","payload_base64":"` + payload + `"}`))
	if err != nil {
		t.Fatalf("audio frame error = %v", err)
	}
	if audio.Mime != "audio/pcm" {
		t.Fatalf("audio default mime = %q, want audio/pcm", audio.Mime)
	}

	video, err := ParseFrameRequest([]byte(`{"kind":"video","payload_base64":"` + payload + `"}`))
	if err != nil {
		t.Fatalf("video frame error = %v", err)
	}
	if video.Mime != "image/jpeg" {
		t.Fatalf("video default mime = %q, want image/jpeg", video.Mime)
	}
}

func TestParseFrameRequestRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"unknown kind", `{"kind":"control","payload_base64":"QQ=="}`},
		{"missing payload", `{"kind":"audio"}`},
		{"invalid base64", `{"kind":"audio","payload_base64":"not-base64!!"}`},
	}
	for _, tc := range cases {
		if _, err := ParseFrameRequest([]byte(tc.raw)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestStartRequestValidate(t *testing.T) {
	ok := StartRequest{Language: "en", ResponseModalities: []string{"audio", "text"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if err := (StartRequest{ResponseModalities: []string{"audio"}}).Validate(); err == nil {
		t.Fatalf("missing language should fail validation")
	}
	if err := (StartRequest{Language: "en"}).Validate(); err == nil {
		t.Fatalf("missing modalities should fail validation")
	}
	if err := (StartRequest{Language: "en", ResponseModalities: []string{"smoke"}}).Validate(); err == nil {
		t.Fatalf("unknown modality should fail validation")
	}
}
