package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/knxsecure/transport/pkg/knxnetip"
	"github.com/knxsecure/transport/pkg/secsession"
	"github.com/knxsecure/transport/pkg/tcpconn"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Open a secure tunneling sub-connection and print inbound telegrams",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if path := viper.GetString("config"); path != "" {
			viper.SetConfigFile(path)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		}
		return nil
	},
	RunE: runTunnel,
}

func init() {
	flags := tunnelCmd.Flags()
	flags.String("config", "", "path to a connection profile file (viper format)")
	flags.String("server", "", "KNXnet/IP server address, host:port")
	flags.Uint8("user-id", 0, "secure session user id")
	flags.String("user-key", "", "hex-encoded 16-byte user password hash")
	flags.String("device-auth-key", "", "hex-encoded 16-byte device authentication code")
}

func runTunnel(cmd *cobra.Command, args []string) error {
	server := viper.GetString("server")
	if server == "" {
		return fmt.Errorf("tunnel: --server is required")
	}
	userID := uint8(viper.GetUint("user-id"))

	userKey, err := decodeKey(viper.GetString("user-key"))
	if err != nil {
		return fmt.Errorf("tunnel: user-key: %w", err)
	}
	deviceAuthKey, err := decodeKey(viper.GetString("device-auth-key"))
	if err != nil {
		return fmt.Errorf("tunnel: device-auth-key: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn := tcpconn.New(server, tcpconn.Config{}, nil)
	defer conn.Close()

	sess, err := conn.EstablishSecureSession(ctx, secsession.Config{}, userID, userKey, deviceAuthKey)
	if err != nil {
		return fmt.Errorf("tunnel: establish secure session: %w", err)
	}

	telegrams := make(chan []byte, 16)
	sub := sess.NewSubConnection(func(frame []byte) {
		telegrams <- frame
	})
	defer sub.Close()

	if err := sess.Send(connectRequestFrame()); err != nil {
		return fmt.Errorf("tunnel: send connect request: %w", err)
	}

	fmt.Printf("tunnel: secure session %d open to %s, waiting for telegrams (ctrl-c to stop)\n", sess.SessionID(), server)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("tunnel: interrupted, closing")
			return sess.Close()
		case frame := <-telegrams:
			fmt.Printf("tunnel: %d bytes on channel %d: % x\n", len(frame), sub.ChannelID(), frame)
		}
	}
}

func decodeKey(s string) ([16]byte, error) {
	var key [16]byte
	if s == "" {
		return key, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(raw) != 16 {
		return key, fmt.Errorf("key must decode to 16 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// connectRequestFrame builds a tunneling ConnectRequest for a TCP
// channel: both control and data HPAIs are the degenerate TCP form since
// the request rides the session's own connection, followed by a
// tunneling connection request information block (connection type 0x04,
// TUNNEL_LINKLAYER 0x02, reserved).
func connectRequestFrame() []byte {
	cri := []byte{0x04, 0x04, 0x02, 0x00}
	body := append(knxnetip.Tcp().Encode(), knxnetip.Tcp().Encode()...)
	body = append(body, cri...)
	header := knxnetip.Header{
		ServiceType: knxnetip.ConnectRequest,
		TotalLength: uint16(knxnetip.HeaderSize + len(body)),
	}
	return append(header.Encode(), body...)
}
