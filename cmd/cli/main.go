package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tarnhill/modbus"
)

func main() {
	app := &cli.App{
		Name:  "modbus-cli",
		Usage: "Command-line tool for Modbus communication",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "protocol",
				Aliases:  []string{"p"},
				Usage:    "Protocol type: tcp, rtu, ascii, or rtu-over-tcp",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "address",
				Aliases:  []string{"a"},
				Usage:    "Connection address (TCP: host:port, RTU/ASCII: /dev/ttyUSB0)",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "slave-id",
				Aliases: []string{"s"},
				Usage:   "Modbus slave/unit ID",
				Value:   1,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Response timeout",
				Value:   5 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "byte-timeout",
				Usage: "Inter-character timeout (RTU/ASCII only)",
				Value: 500 * time.Millisecond,
			},
			&cli.StringFlag{
				Name:  "recovery",
				Usage: "Error recovery modes: none, link, protocol, or link,protocol",
				Value: "none",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Hex-dump requests and responses",
			},
			// Serial-specific options
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Baud rate (RTU/ASCII only)",
				Value: 115200,
			},
			&cli.IntFlag{
				Name:  "data-bits",
				Usage: "Data bits (RTU/ASCII only)",
				Value: 8,
			},
			&cli.IntFlag{
				Name:  "stop-bits",
				Usage: "Stop bits (RTU/ASCII only)",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "parity",
				Usage: "Parity: none, odd, even (RTU/ASCII only)",
				Value: "none",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "read-coils",
				Usage: "Read coils (function code 1)",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "start",
						Usage:    "Starting address",
						Required: true,
					},
					&cli.UintFlag{
						Name:     "count",
						Usage:    "Number of coils to read (1-2000)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "format",
						Usage: "Output format: binary, decimal",
						Value: "binary",
					},
				},
				Action: readCoilsAction,
			},
			{
				Name:  "read-discrete-inputs",
				Usage: "Read discrete inputs (function code 2)",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "start",
						Usage:    "Starting address",
						Required: true,
					},
					&cli.UintFlag{
						Name:     "count",
						Usage:    "Number of discrete inputs to read (1-2000)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "format",
						Usage: "Output format: binary, decimal",
						Value: "binary",
					},
				},
				Action: readDiscreteInputsAction,
			},
			{
				Name:  "read-holding-registers",
				Usage: "Read holding registers (function code 3)",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "start",
						Usage:    "Starting address",
						Required: true,
					},
					&cli.UintFlag{
						Name:     "count",
						Usage:    "Number of registers to read (1-125)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "format",
						Usage: "Output format: hex, decimal",
						Value: "hex",
					},
				},
				Action: readHoldingRegistersAction,
			},
			{
				Name:  "read-input-registers",
				Usage: "Read input registers (function code 4)",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "start",
						Usage:    "Starting address",
						Required: true,
					},
					&cli.UintFlag{
						Name:     "count",
						Usage:    "Number of registers to read (1-125)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "format",
						Usage: "Output format: hex, decimal",
						Value: "hex",
					},
				},
				Action: readInputRegistersAction,
			},
			{
				Name:  "write-coil",
				Usage: "Write a single coil (function code 5)",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "address",
						Usage:    "Coil address",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "on",
						Usage: "Set the coil ON instead of OFF",
					},
				},
				Action: writeCoilAction,
			},
			{
				Name:  "write-register",
				Usage: "Write a single holding register (function code 6)",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "address",
						Usage:    "Register address",
						Required: true,
					},
					&cli.UintFlag{
						Name:     "value",
						Usage:    "Register value (0-65535)",
						Required: true,
					},
				},
				Action: writeRegisterAction,
			},
			{
				Name:  "write-registers",
				Usage: "Write multiple holding registers (function code 16)",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "start",
						Usage:    "Starting address",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "values",
						Usage:    "Comma-separated register values, decimal or 0x-prefixed hex",
						Required: true,
					},
				},
				Action: writeRegistersAction,
			},
			{
				Name:  "mask-write-register",
				Usage: "Mask-write a holding register (function code 22)",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "address",
						Usage:    "Register address",
						Required: true,
					},
					&cli.UintFlag{
						Name:     "and-mask",
						Usage:    "AND mask",
						Required: true,
					},
					&cli.UintFlag{
						Name:     "or-mask",
						Usage:    "OR mask",
						Required: true,
					},
				},
				Action: maskWriteRegisterAction,
			},
			{
				Name:   "read-exception-status",
				Usage:  "Read exception status outputs (function code 7)",
				Action: readExceptionStatusAction,
			},
			{
				Name:   "report-slave-id",
				Usage:  "Report slave ID (function code 17)",
				Action: reportSlaveIDAction,
			},
			{
				Name:  "read-device-id",
				Usage: "Read device identification (function code 43/14)",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  "code",
						Usage: "Read device id code: 1=basic, 2=regular, 3=extended",
						Value: 1,
					},
				},
				Action: readDeviceIDAction,
			},
			{
				Name:  "read-fifo",
				Usage: "Read FIFO queue (function code 24)",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "address",
						Usage:    "FIFO pointer address",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "format",
						Usage: "Output format: hex, decimal",
						Value: "hex",
					},
				},
				Action: readFIFOAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// createClient creates a Modbus client based on the global flags
func createClient(c *cli.Context) (modbus.Client, error) {
	protocol := c.String("protocol")
	address := c.String("address")
	slaveID := byte(c.Int("slave-id"))
	timeout := c.Duration("timeout")
	recovery, err := parseRecovery(c.String("recovery"))
	if err != nil {
		return nil, err
	}
	var logger *log.Logger
	if c.Bool("debug") {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	switch protocol {
	case "tcp":
		handler := modbus.NewTCPClientHandler(address)
		handler.Timeout = timeout
		handler.SlaveID = slaveID
		handler.RecoveryMode = recovery
		handler.Logger = logger
		return modbus.NewClient(handler), nil

	case "rtu":
		handler := modbus.NewRTUClientHandler(address)
		handler.BaudRate = c.Int("baud")
		handler.DataBits = c.Int("data-bits")
		handler.StopBits = parseStopBits(c.Int("stop-bits"))
		handler.Parity = parseParity(c.String("parity"))
		handler.Timeout = timeout
		handler.ByteTimeout = c.Duration("byte-timeout")
		handler.SlaveID = slaveID
		handler.RecoveryMode = recovery
		handler.Logger = logger
		return modbus.NewClient(handler), nil

	case "ascii":
		handler := modbus.NewASCIIClientHandler(address)
		handler.BaudRate = c.Int("baud")
		handler.DataBits = c.Int("data-bits")
		handler.StopBits = parseStopBits(c.Int("stop-bits"))
		handler.Parity = parseParity(c.String("parity"))
		handler.Timeout = timeout
		handler.ByteTimeout = c.Duration("byte-timeout")
		handler.SlaveID = slaveID
		handler.RecoveryMode = recovery
		handler.Logger = logger
		return modbus.NewClient(handler), nil

	case "rtu-over-tcp":
		handler := modbus.NewRTUOverTCPClientHandler(address)
		handler.Timeout = timeout
		handler.SlaveID = slaveID
		handler.RecoveryMode = recovery
		handler.Logger = logger
		return modbus.NewClient(handler), nil

	default:
		return nil, fmt.Errorf("unsupported protocol: %s (must be tcp, rtu, ascii, or rtu-over-tcp)", protocol)
	}
}

func parseStopBits(bits int) modbus.StopBits {
	switch bits {
	case 1:
		return modbus.OneStopBit
	case 2:
		return modbus.TwoStopBits
	default:
		return modbus.OneStopBit
	}
}

func parseParity(parity string) modbus.Parity {
	switch parity {
	case "none":
		return modbus.NoParity
	case "odd":
		return modbus.OddParity
	case "even":
		return modbus.EvenParity
	default:
		return modbus.EvenParity
	}
}

func parseRecovery(modes string) (modbus.RecoveryMode, error) {
	recovery := modbus.RecoveryNone
	for _, mode := range strings.Split(modes, ",") {
		switch strings.TrimSpace(mode) {
		case "", "none":
		case "link":
			recovery |= modbus.RecoveryLink
		case "protocol":
			recovery |= modbus.RecoveryProtocol
		default:
			return 0, fmt.Errorf("unknown recovery mode: %s", mode)
		}
	}
	return recovery, nil
}

// createContextWithSignalHandler creates a context that is cancelled on SIGINT/SIGTERM
func createContextWithSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Received interrupt signal, cancelling operation...")
		cancel()
	}()

	return ctx, cancel
}

// readCoilsAction handles the read-coils command
func readCoilsAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	format := c.String("format")

	if count < 1 || count > 2000 {
		return fmt.Errorf("count must be between 1 and 2000")
	}

	results, err := client.ReadCoils(ctx, start, count)
	if err != nil {
		return fmt.Errorf("failed to read coils: %w", err)
	}

	printBitResults(start, count, results, format)
	return nil
}

// readDiscreteInputsAction handles the read-discrete-inputs command
func readDiscreteInputsAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	format := c.String("format")

	if count < 1 || count > 2000 {
		return fmt.Errorf("count must be between 1 and 2000")
	}

	results, err := client.ReadDiscreteInputs(ctx, start, count)
	if err != nil {
		return fmt.Errorf("failed to read discrete inputs: %w", err)
	}

	printBitResults(start, count, results, format)
	return nil
}

// readHoldingRegistersAction handles the read-holding-registers command
func readHoldingRegistersAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	format := c.String("format")

	if count < 1 || count > 125 {
		return fmt.Errorf("count must be between 1 and 125")
	}

	results, err := client.ReadHoldingRegisters(ctx, start, count)
	if err != nil {
		return fmt.Errorf("failed to read holding registers: %w", err)
	}

	printRegisterResults(start, count, results, format)
	return nil
}

// readInputRegistersAction handles the read-input-registers command
func readInputRegistersAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	format := c.String("format")

	if count < 1 || count > 125 {
		return fmt.Errorf("count must be between 1 and 125")
	}

	results, err := client.ReadInputRegisters(ctx, start, count)
	if err != nil {
		return fmt.Errorf("failed to read input registers: %w", err)
	}

	printRegisterResults(start, count, results, format)
	return nil
}

// writeCoilAction handles the write-coil command
func writeCoilAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	address := uint16(c.Uint("address"))
	value := uint16(0x0000)
	if c.Bool("on") {
		value = 0xFF00
	}

	if _, err := client.WriteSingleCoil(ctx, address, value); err != nil {
		return fmt.Errorf("failed to write coil: %w", err)
	}
	state := "OFF"
	if value == 0xFF00 {
		state = "ON"
	}
	fmt.Printf("0x%04X: %s\n", address, state)
	return nil
}

// writeRegisterAction handles the write-register command
func writeRegisterAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	address := uint16(c.Uint("address"))
	value := uint16(c.Uint("value"))

	if _, err := client.WriteSingleRegister(ctx, address, value); err != nil {
		return fmt.Errorf("failed to write register: %w", err)
	}
	fmt.Printf("0x%04X: 0x%04X\n", address, value)
	return nil
}

// writeRegistersAction handles the write-registers command
func writeRegistersAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	values, err := parseRegisterValues(c.String("values"))
	if err != nil {
		return err
	}

	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}

	if _, err := client.WriteMultipleRegisters(ctx, start, uint16(len(values)), data); err != nil {
		return fmt.Errorf("failed to write registers: %w", err)
	}
	fmt.Printf("wrote %d registers starting at 0x%04X\n", len(values), start)
	return nil
}

// maskWriteRegisterAction handles the mask-write-register command
func maskWriteRegisterAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	address := uint16(c.Uint("address"))
	andMask := uint16(c.Uint("and-mask"))
	orMask := uint16(c.Uint("or-mask"))

	if _, err := client.MaskWriteRegister(ctx, address, andMask, orMask); err != nil {
		return fmt.Errorf("failed to mask-write register: %w", err)
	}
	fmt.Printf("0x%04X: AND 0x%04X OR 0x%04X\n", address, andMask, orMask)
	return nil
}

// readExceptionStatusAction handles the read-exception-status command
func readExceptionStatusAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	status, err := client.ReadExceptionStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read exception status: %w", err)
	}
	fmt.Printf("exception status: %08b\n", status)
	return nil
}

// reportSlaveIDAction handles the report-slave-id command
func reportSlaveIDAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	results, err := client.ReportSlaveID(ctx)
	if err != nil {
		return fmt.Errorf("failed to report slave id: %w", err)
	}
	if len(results) >= 2 {
		fmt.Printf("slave id: %d\n", results[0])
		fmt.Printf("run indicator: 0x%02X\n", results[1])
		if len(results) > 2 {
			fmt.Printf("additional data: %q\n", results[2:])
		}
	} else {
		fmt.Printf("raw response: %s\n", hex.EncodeToString(results))
	}
	return nil
}

// readDeviceIDAction handles the read-device-id command
func readDeviceIDAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	objects, err := client.ReadDeviceIdentification(ctx, byte(c.Uint("code")))
	if err != nil {
		return fmt.Errorf("failed to read device identification: %w", err)
	}

	names := map[byte]string{
		modbus.DeviceIDObjectVendorName:         "VendorName",
		modbus.DeviceIDObjectProductCode:        "ProductCode",
		modbus.DeviceIDObjectMajorMinorRevision: "MajorMinorRevision",
	}
	for id := 0; id < 256; id++ {
		value, ok := objects[byte(id)]
		if !ok {
			continue
		}
		name := names[byte(id)]
		if name == "" {
			name = fmt.Sprintf("Object%02X", id)
		}
		fmt.Printf("%s: %s\n", name, value)
	}
	return nil
}

// readFIFOAction handles the read-fifo command
func readFIFOAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	address := uint16(c.Uint("address"))
	format := c.String("format")

	results, err := client.ReadFIFOQueue(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to read FIFO queue: %w", err)
	}

	// ReadFIFOQueue returns only the queued register values, two bytes each
	count := uint16(len(results) / 2)
	fmt.Printf("FIFO Count: %d\n", count)

	if count > 0 {
		printRegisterResults(0, count, results, format)
	}

	return nil
}

// parseRegisterValues parses a comma-separated list of register values.
func parseRegisterValues(s string) ([]uint16, error) {
	parts := strings.Split(s, ",")
	values := make([]uint16, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid register value %q: %w", part, err)
		}
		values = append(values, uint16(v))
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no register values given")
	}
	return values, nil
}

// printBitResults prints bit values (coils/discrete inputs)
func printBitResults(start, count uint16, data []byte, format string) {
	for i := uint16(0); i < count; i++ {
		byteIndex := i / 8
		bitIndex := i % 8

		if int(byteIndex) >= len(data) {
			break
		}

		bitValue := (data[byteIndex] >> bitIndex) & 0x01

		switch format {
		case "decimal":
			fmt.Printf("0x%04X: %d\n", start+i, bitValue)
		default: // binary
			fmt.Printf("0x%04X: %d\n", start+i, bitValue)
		}
	}
}

// printRegisterResults prints register values
func printRegisterResults(start, count uint16, data []byte, format string) {
	for i := uint16(0); i < count; i++ {
		offset := i * 2
		if int(offset+1) >= len(data) {
			break
		}

		value := binary.BigEndian.Uint16(data[offset : offset+2])

		switch format {
		case "decimal":
			fmt.Printf("0x%04X: %d\n", start+i, value)
		default: // hex
			fmt.Printf("0x%04X: 0x%04X\n", start+i, value)
		}
	}
}
