package media

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested on video tracks. Without
// periodic PLI a receiver that joins mid-stream can wait a long time for a
// decodable frame.
const pliInterval = 3 * time.Second

// remoteTrackReader is the part of *webrtc.TrackRemote the sink needs.
type remoteTrackReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

func newRemoteTrack(pc *webrtc.PeerConnection, tr *webrtc.TrackRemote) Track {
	return Track{
		Kind:   tr.Kind().String(),
		ID:     tr.ID(),
		remote: tr,
		sendPLI: func() error {
			return pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
			})
		},
		hasRemote: true,
	}
}

// RunSink drains RTP packets from a remote track into handler until the
// track ends or ctx is cancelled. Video tracks get a periodic PLI so the
// sender keeps the stream decodable. handler may be nil to discard.
func RunSink(ctx context.Context, t Track, handler func(*rtp.Packet)) error {
	if !t.hasRemote {
		return errors.New("media: track has no remote source")
	}

	if t.Kind == "video" && t.sendPLI != nil {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := t.sendPLI(); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if handler != nil {
			handler(pkt)
		}
	}
}
