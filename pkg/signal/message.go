package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// Signalling message types.
const (
	TypeConfig                = "config"
	TypeOffer                 = "offer"
	TypeAnswer                = "answer"
	TypeICECandidate          = "iceCandidate"
	TypePlayerCount           = "playerCount"
	TypeWarning               = "warning"
	TypePeerDataChannels      = "peerDataChannels"
	TypeStats                 = "stats"
	TypeDataChannelRequest    = "dataChannelRequest"
	TypePeerDataChannelsReady = "peerDataChannelsReady"
	TypePlayerConnected       = "playerConnected"
	TypePlayerDisconnected    = "playerDisconnected"
)

// Message is a JSON signalling message
type Message struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`       // offer/answer
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"` // iceCandidate
	PlayerID  string                   `json:"playerId,omitempty"`  // routing between streamer and players
	Count     int                      `json:"count,omitempty"`     // playerCount
	Warning   string                   `json:"warning,omitempty"`   // warning

	// config
	PeerConnectionOptions json.RawMessage `json:"peerConnectionOptions,omitempty"`

	// peerDataChannels (forwarding unit only)
	SendStreamID int `json:"sendStreamId,omitempty"`
	RecvStreamID int `json:"recvStreamId,omitempty"`

	// stats
	Data json.RawMessage `json:"data,omitempty"`
}

// PeerConnectionOptions is the part of the config message the player uses.
type PeerConnectionOptions struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// ICEServer accepts urls as either a string or a list, as browsers do.
type ICEServer struct {
	URLs       []string `json:"-"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s *ICEServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		URL        string          `json:"url"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil

	if len(raw.URLs) > 0 {
		var list []string
		if err := json.Unmarshal(raw.URLs, &list); err != nil {
			var single string
			if err := json.Unmarshal(raw.URLs, &single); err != nil {
				return err
			}
			list = []string{single}
		}
		s.URLs = list
	}
	if raw.URL != "" {
		s.URLs = append(s.URLs, raw.URL)
	}
	return nil
}

func (s ICEServer) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username,omitempty"`
		Credential string   `json:"credential,omitempty"`
	}{s.URLs, s.Username, s.Credential})
}

// ParsePeerConnectionOptions decodes the options carried by a config message.
// Missing options yield an empty value.
func ParsePeerConnectionOptions(raw json.RawMessage) (PeerConnectionOptions, error) {
	var opts PeerConnectionOptions
	if len(raw) == 0 || string(raw) == "null" {
		return opts, nil
	}
	err := json.Unmarshal(raw, &opts)
	return opts, err
}
