package relay

import "testing"

func TestGatewayMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		tts  bool
		loc  *Location
		want string
	}{
		{"spoken", "What's the weather?", true, nil, `🎤 "What's the weather?"`},
		{"read", "What's the weather?", false, nil, `📖 "What's the weather?"`},
		{"quotes kept verbatim", `say "hi"`, true, nil, `🎤 "say "hi""`},
		{
			"location six decimals",
			"where am I", true, &Location{Lat: 52.52, Lng: -0.1278},
			"[User location: 52.520000, -0.127800]\n🎤 \"where am I\"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := GatewayMessage(tt.text, tt.tts, tt.loc); got != tt.want {
				t.Errorf("GatewayMessage = %q, want %q", got, tt.want)
			}
		})
	}
}
