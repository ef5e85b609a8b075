package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loopholelabs/bttester/pkg/btp/config"
	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/bttester/pkg/btp/trace"
	"github.com/spf13/cobra"
)

var (
	cmdCapture = &cobra.Command{
		Use:   "capture <file or key>",
		Short: "Dump a frame capture",
		Long:  `Dump a frame capture from a local file, or from the trace bucket when --conf is given.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runCapture,
	}
)

var captureConf string

func init() {
	rootCmd.AddCommand(cmdCapture)
	cmdCapture.Flags().StringVarP(&captureConf, "conf", "c", "", "Configuration file with a trace s3 block")
}

func runCapture(_ *cobra.Command, args []string) error {
	var records []*trace.Record

	if captureConf != "" {
		conf, err := config.ReadSchema(captureConf)
		if err != nil {
			return err
		}
		if conf.Trace == nil || conf.Trace.S3 == nil {
			return fmt.Errorf("no trace s3 block in %s", captureConf)
		}
		s3 := conf.Trace.S3
		ctx := context.TODO()
		up, err := trace.NewS3Uploader(ctx, s3.Endpoint, s3.AccessKey, s3.SecretKey, s3.Bucket, s3.Prefix, s3.Secure)
		if err != nil {
			return err
		}
		records, err = up.Fetch(ctx, args[0])
		if err != nil {
			return err
		}
	} else {
		fp, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer fp.Close()
		records, err = trace.ReadCapture(fp)
		if err != nil {
			return err
		}
	}

	for _, r := range records {
		fmt.Println(describeRecord(r))
	}
	return nil
}

func describeRecord(r *trace.Record) string {
	prefix := fmt.Sprintf("%s %-3s", r.Time.Format("15:04:05.000000"), r.Dir)
	f, err := packets.DecodeFrame(r.Frame)
	if err != nil {
		return fmt.Sprintf("%s bad frame %x", prefix, r.Frame)
	}
	op := fmt.Sprintf("0x%02x", f.Opcode)
	if f.Service == packets.ServiceL2CAP {
		op = packets.L2CAPOpcodeString(f.Opcode)
	}
	return fmt.Sprintf("%s service=%d index=%d %s %x", prefix, f.Service, f.Index, op, f.Data)
}
