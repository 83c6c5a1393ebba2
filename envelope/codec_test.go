package envelope

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-hub/domain"
	"chat-hub/errors"
)

func TestCodec_Seal_Then_Open(t *testing.T) {
	req := require.New(t)
	codec, err := NewCodec("a secret only the hub knows")
	req.NoError(err)

	payload := Payload{
		Content: "meet me at the usual place",
		Attachment: &domain.Attachment{
			URL:  "/uploads/abc123.png",
			Name: "map.png",
			Type: "image/png",
			Size: 2048,
		},
	}

	// When sealing and opening
	env, err := codec.Seal(payload)
	req.NoError(err)
	opened, err := codec.Open(env)
	req.NoError(err)

	// Then the round trip is lossless
	req.Equal(payload, opened)
}

func TestCodec_Seal_Produces_Distinct_Ciphertexts(t *testing.T) {
	req := require.New(t)
	codec, err := NewCodec("a secret only the hub knows")
	req.NoError(err)

	payload := Payload{Content: "same words twice"}

	env1, err := codec.Seal(payload)
	req.NoError(err)
	env2, err := codec.Seal(payload)
	req.NoError(err)

	// Fresh nonce per seal: nothing in the envelopes may repeat
	req.NotEqual(env1.IV, env2.IV)
	req.NotEqual(env1.Data, env2.Data)
	req.NotEqual(env1.Tag, env2.Tag)
}

func TestCodec_Open_Rejects_Tampered_Envelope(t *testing.T) {
	req := require.New(t)
	codec, err := NewCodec("a secret only the hub knows")
	req.NoError(err)

	env, err := codec.Seal(Payload{Content: "untouched"})
	req.NoError(err)

	// Given one flipped byte in the ciphertext
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	req.NoError(err)
	raw[0] ^= 0xff
	env.Data = base64.StdEncoding.EncodeToString(raw)

	// Then the tag check fails and no plaintext leaks
	opened, err := codec.Open(env)
	req.ErrorIs(err, errors.ErrDecryptFailed)
	req.Empty(opened.Content)
}

func TestCodec_Open_Rejects_Wrong_Key(t *testing.T) {
	req := require.New(t)
	codec1, err := NewCodec("first secret")
	req.NoError(err)
	codec2, err := NewCodec("second secret")
	req.NoError(err)

	env, err := codec1.Seal(Payload{Content: "for codec1 only"})
	req.NoError(err)

	_, err = codec2.Open(env)
	req.ErrorIs(err, errors.ErrDecryptFailed)
}

func TestCodec_Open_Rejects_Malformed_Fields(t *testing.T) {
	req := require.New(t)
	codec, err := NewCodec("a secret only the hub knows")
	req.NoError(err)

	env, err := codec.Seal(Payload{Content: "reference"})
	req.NoError(err)

	cases := []struct {
		name   string
		mutate func(e domain.Envelope) domain.Envelope
	}{
		{"not base64 iv", func(e domain.Envelope) domain.Envelope { e.IV = "%%%"; return e }},
		{"short iv", func(e domain.Envelope) domain.Envelope { e.IV = base64.StdEncoding.EncodeToString([]byte("short")); return e }},
		{"not base64 tag", func(e domain.Envelope) domain.Envelope { e.Tag = "%%%"; return e }},
		{"short tag", func(e domain.Envelope) domain.Envelope { e.Tag = base64.StdEncoding.EncodeToString([]byte("short")); return e }},
		{"not base64 data", func(e domain.Envelope) domain.Envelope { e.Data = "%%%"; return e }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Open(tc.mutate(env))
			require.ErrorIs(t, err, errors.ErrDecryptFailed)
		})
	}
}

func TestCodec_Open_Legacy_Raw_Text_Payload(t *testing.T) {
	req := require.New(t)
	codec, err := NewCodec("a secret only the hub knows")
	req.NoError(err)

	// Given an envelope whose plaintext predates the JSON payload shape
	env, err := codec.seal([]byte("plain words, no json"))
	req.NoError(err)

	opened, err := codec.Open(env)
	req.NoError(err)
	req.Equal("plain words, no json", opened.Content)
	req.Nil(opened.Attachment)
}

func TestNewCodec_Rejects_Empty_Secret(t *testing.T) {
	req := require.New(t)
	_, err := NewCodec("")
	req.Error(err)
}
