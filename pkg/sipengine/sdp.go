package sipengine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// PCMU, payload type 0 - единственный объявляемый кодек.
const (
	audioPayloadType = 0
	audioCodecName   = "PCMU"
	audioClockRate   = 8000
)

// buildSessionDescription строит SDP для INVITE и re-INVITE.
//
// Направление потока кодирует mute: sendrecv для обычного вызова,
// recvonly когда локальный микрофон выключен. Смена направления через
// re-INVITE - стандартный способ сигнализировать mute без разрыва медиа.
func buildSessionDescription(host string, port int, muted bool) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "voicebridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{StartTime: 0, StopTime: 0},
			},
		},
	}

	mediaDesc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(audioPayloadType)},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
	}

	direction := "sendrecv"
	if muted {
		direction = "recvonly"
	}
	rtpmap := fmt.Sprintf("%d %s/%d", audioPayloadType, audioCodecName, audioClockRate)
	mediaDesc.Attributes = []sdp.Attribute{
		sdp.NewPropertyAttribute(direction),
		sdp.NewAttribute("rtpmap", rtpmap),
	}

	desc.MediaDescriptions = []*sdp.MediaDescription{mediaDesc}
	return desc
}

// marshalSessionDescription сериализует SDP в тело запроса.
func marshalSessionDescription(desc *sdp.SessionDescription) ([]byte, error) {
	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("sdp marshal: %w", err)
	}
	return body, nil
}
