package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/flowplugins/flowplugins/cfg"
	"github.com/flowplugins/flowplugins/cmd/internal/replay"
	"github.com/flowplugins/flowplugins/dumper"
	"github.com/flowplugins/flowplugins/line/irc"
	"github.com/flowplugins/flowplugins/line/pop"
	"github.com/flowplugins/flowplugins/line/smtp"
	"github.com/flowplugins/flowplugins/line/telnet"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/stream/ntlmssp"
	"github.com/flowplugins/flowplugins/stream/telegram"
	"github.com/flowplugins/flowplugins/tlv/cdp"
	"github.com/flowplugins/flowplugins/tlv/lldp"
	"github.com/flowplugins/flowplugins/tlv/mndp"
	"github.com/flowplugins/flowplugins/tlv/stun"
	"github.com/flowplugins/flowplugins/tlv/vtp"

	"github.com/flowplugins/flowplugins/runtime"
)

var (
	replayFile string
	outDir     string

	enableSave      bool
	filePrefix      string
	fileSuffix      string
	maxBytesPerFlow int64

	telegramPort int

	enableRingExtract bool
	ringCapacity      int
	ringSplitBytes    int64
	ringSplitFlows    int

	enableFindex      bool
	findexPacketIndex bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay a capture file through every registered plugin and write the decoded records.",
	Long: "run replays a PCAP file packet-by-packet through the full plugin set " +
		"(TLV, line, and stream decoders, plus the payload dumper) and writes " +
		"one binary record per terminated flow to <out>/records.bin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		plugins := []plugin.Plugin{
			cdp.New(),
			lldp.New(),
			mndp.New(),
			vtp.New(),
			stun.New(),
			irc.New(),
			pop.New(pop.Options{EnableSave: enableSave, OutputDir: outDir}),
			smtp.New(smtp.Options{EnableSave: enableSave, OutputDir: outDir}),
			telnet.New(telnet.Options{EnableSave: enableSave, OutputDir: outDir}),
			telegram.New(telegram.Options{ServerPort: telegramPort}),
			ntlmssp.New(ntlmssp.Options{EnableSave: enableSave, OutputPath: filepath.Join(outDir, "ntlmssp_hashes.txt")}),
			dumper.New(dumper.Options{
				EnableSave:      enableSave,
				OutputDir:       outDir,
				FilePrefix:      filePrefix,
				FileSuffix:      fileSuffix,
				MaxBytesPerFlow: maxBytesPerFlow,
			}),
		}

		rt := runtime.New(plugins)
		return replay.Run(rt, replay.Options{
			ReplayFile: replayFile,
			OutDir:     outDir,

			EnableRingExtract: enableRingExtract,
			RingCapacity:      ringCapacity,
			RingOutputPrefix:  "capture",
			RingSplitBytes:    ringSplitBytes,
			RingSplitFlows:    ringSplitFlows,

			EnableFindex:      enableFindex,
			FindexPrefix:      "run",
			FindexPacketIndex: findexPacketIndex,
		})
	},
}

func init() {
	runCmd.Flags().StringVar(&replayFile, "replay", "", "PCAP file to replay (required)")
	runCmd.MarkFlagRequired("replay")
	runCmd.Flags().StringVar(&outDir, "out", ".", "directory to write decoded records and any saved payloads")

	runCmd.Flags().BoolVar(&enableSave, "enable-save", false, "save reassembled flow payloads to files under --out")
	cfg.Options().BindPFlag("enable_save", runCmd.Flags().Lookup("enable-save"))
	runCmd.Flags().StringVar(&filePrefix, "file-prefix", "", "prefix for saved payload filenames")
	cfg.Options().BindPFlag("file_prefix", runCmd.Flags().Lookup("file-prefix"))
	runCmd.Flags().StringVar(&fileSuffix, "file-suffix", "", "suffix for saved payload filenames")
	cfg.Options().BindPFlag("file_suffix", runCmd.Flags().Lookup("file-suffix"))
	runCmd.Flags().Int64Var(&maxBytesPerFlow, "max-bytes-per-flow", 0, "cap on saved bytes per flow (0 = unbounded)")
	cfg.Options().BindPFlag("max_bytes_per_flow", runCmd.Flags().Lookup("max-bytes-per-flow"))

	runCmd.Flags().IntVar(&telegramPort, "telegram-port", 443, "TCP port of the Telegram server side; packets from it are decoded as server-to-client")

	runCmd.Flags().BoolVar(&enableRingExtract, "enable-ring-extract", false, "buffer recent packets and extract live flows to a PCAP under --out")
	runCmd.Flags().IntVar(&ringCapacity, "ring-capacity", 4<<20, "ring buffer capacity in bytes")
	runCmd.Flags().Int64Var(&ringSplitBytes, "ring-split-bytes", 0, "rotate the extracted PCAP after this many bytes (0 = never)")
	runCmd.Flags().IntVar(&ringSplitFlows, "ring-split-flows", 0, "rotate the extracted PCAP after this many flows (0 = never)")

	runCmd.Flags().BoolVar(&enableFindex, "enable-findex", false, "write chained flow/packet index files under --out")
	runCmd.Flags().BoolVar(&findexPacketIndex, "findex-packet-index", false, "also write the packet-number index alongside the flow index")

	rootCmd.AddCommand(runCmd)
}
