package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/conduit/pkg/conduit/config"
	"github.com/norasector/conduit/pkg/conduit/types"
)

const receiveChannels = 8

// TaggedFrameUDPOutput re-publishes demultiplexed frames as protobuf
// datagrams, each prefixed with a little-endian uint16 length, to a list of
// destinations.
type TaggedFrameUDPOutput struct {
	dests    []config.OutputDestination
	recvChan chan *types.TaggedFrame
	metrics  api.WriteAPI
}

func NewTaggedFrameUDPOutput(dests []config.OutputDestination, metrics api.WriteAPI) *TaggedFrameUDPOutput {
	return &TaggedFrameUDPOutput{
		dests:    dests,
		recvChan: make(chan *types.TaggedFrame, receiveChannels),
		metrics:  metrics,
	}
}

func (s *TaggedFrameUDPOutput) Receive() chan<- *types.TaggedFrame {
	return s.recvChan
}

func (s *TaggedFrameUDPOutput) Start(ctx context.Context) error {

	eg, ctx := errgroup.WithContext(ctx)

	const numSenders int = 4

	destAddrs := make([]*net.UDPAddr, 0, len(s.dests))
	for _, dest := range s.dests {

		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return err
		}
		if len(ips) == 0 {
			return fmt.Errorf("no IPs returned for %s", dest.Host)
		}

		destAddr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, destAddr)
		log.Info().IPAddr("dest_ip", destAddr.IP).Int("port", dest.Port).Msg("frame output starting")
	}

	for i := 0; i < numSenders; i++ {
		eg.Go(func() error {

			conn, err := net.ListenUDP("udp", nil)
			if err != nil {
				return err
			}
			defer conn.Close()

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case frame := <-s.recvChan:

					encoded, err := frame.MarshalBinary()
					if err != nil {
						log.Warn().Err(err).Msg("error marshaling frame")
						continue
					}
					if len(encoded) > 1<<16-1 {
						log.Warn().Int("encoded_length", len(encoded)).Msg("frame too large for datagram, dropping")
						continue
					}

					var msgBuf bytes.Buffer
					if err := binary.Write(&msgBuf, binary.LittleEndian, uint16(len(encoded))); err != nil {
						log.Warn().Err(err).Msg("error encoding header size")
						continue
					}
					if _, err := msgBuf.Write(encoded); err != nil {
						log.Warn().Err(err).Msg("error writing encoded message")
						continue
					}

					success := true
					var bytesWritten int
					for _, destAddr := range destAddrs {
						bytesWritten, err = conn.WriteToUDP(msgBuf.Bytes(), destAddr)
						if err != nil {
							log.Error().Err(err).Msg("error writing")
							success = false
						}
					}

					go s.metrics.WritePoint(influxdb2.NewPoint("relay.sent_frame",
						map[string]string{
							"session": strconv.FormatUint(frame.ConnID, 10),
							"stream":  strconv.FormatUint(uint64(frame.StreamID), 10),
						},
						map[string]interface{}{
							"bytes_written":  bytesWritten,
							"frame_length":   len(frame.Payload),
							"encoded_length": len(encoded),
							"sent": func() int {
								if success {
									return 1
								}
								return 0
							}(),
							"dropped": func() int {
								if success {
									return 0
								}
								return 1
							}(),
						}, time.Now()))
				}
			}
		})
	}

	return eg.Wait()
}
