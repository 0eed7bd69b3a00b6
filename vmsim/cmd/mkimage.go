package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmsim/mem/vm/noff"
)

func newMkImageCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "mkimage",
		Short: "Create a NOFF executable with synthetic content.",
		Long: "`mkimage -o prog --code 1024 --data 256 --bss 128` writes an " +
			"executable whose code and data bytes follow a pattern that " +
			"depends on the seed, so that reads can be checked.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			out, _ := flags.GetString("output")
			codeSize, _ := flags.GetInt("code")
			dataSize, _ := flags.GetInt("data")
			bssSize, _ := flags.GetInt("bss")
			seed, _ := flags.GetUint8("seed")

			if out == "" {
				return errors.New("no output file given")
			}

			if codeSize < 0 || dataSize < 0 || bssSize < 0 {
				return errors.New("segment sizes cannot be negative")
			}

			data := noff.MakeBuilder().
				WithCode(fill(codeSize, seed)).
				WithInitData(fill(dataSize, seed+128)).
				WithUninitDataSize(bssSize).
				Build()

			err := os.WriteFile(out, data, 0o644)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"%s: %d bytes of code, %d of data, %d of bss\n",
				out, codeSize, dataSize, bssSize)

			return nil
		},
	}

	c.Flags().StringP("output", "o", "", "Executable to write")
	c.Flags().Int("code", 1024, "Size of the code segment in bytes")
	c.Flags().Int("data", 256, "Size of the initialized data in bytes")
	c.Flags().Int("bss", 256, "Size of the uninitialized data in bytes")
	c.Flags().Uint8("seed", 1, "First byte of the code pattern")

	return c
}

// fill returns n bytes counting up from seed.
func fill(n int, seed uint8) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}

	return out
}
