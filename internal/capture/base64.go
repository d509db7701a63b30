package capture

import "encoding/base64"

// AudioBase64 returns the encoded audio as plain base64 without a data URL
// prefix.
func (p Payload) AudioBase64() string {
	return encodeBase64(p.Audio.Data)
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
