// Package labrat is a victim process for integration tests.
//
// A test binary becomes a lab rat when EnvVar is set: TestMain calls
// RunIfRequested, which takes over the process before any test runs. The
// rat prints its PID, then the address and value of a heap allocated
// integer, then answers one line per command read from stdin:
//
//	modify  sets the value to 54321 and prints it
//	set N   sets the value to N and prints it
//	+ / -   increments or decrements the value and prints "ok"
//	nop     changes nothing and prints "ok"
//	print   prints the value
//	exit    prints "bye" and exits
//
// Tests drive it through Start and never look inside it.
package labrat

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jordhan-carvalho/trainer/scalar"
)

// EnvVar selects the rat's scalar kind ("i8" or "i64").
const EnvVar = "TRAINER_LABRAT"

const (
	// Initial is the starting value of an i64 rat.
	Initial = 12345

	// Modified is the value a "modify" command stores.
	Modified = 54321

	// InitialSmall is the starting value of an i8 rat.
	InitialSmall = 100
)

// RunIfRequested runs the rat and exits if EnvVar is set.
func RunIfRequested() {
	kind := os.Getenv(EnvVar)
	if kind == "" {
		return
	}

	var err error
	switch kind {
	case "i8":
		err = Run[int8](os.Stdin, os.Stdout, InitialSmall)
	default:
		err = Run[int64](os.Stdin, os.Stdout, Initial)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// value escapes to the heap so its address stays fixed.
var value unsafe.Pointer

// Run serves the rat protocol until "exit" or the end of in.
func Run[T scalar.Integer](in io.Reader, out io.Writer, initial T) error {
	x := new(T)
	*x = initial
	value = unsafe.Pointer(x)

	reply := func(s string) error {
		_, err := io.WriteString(out, s+"\n")
		return err
	}
	format := func() string {
		if scalar.Signed[T]() {
			return strconv.FormatInt(int64(*x), 10)
		}
		return strconv.FormatUint(uint64(*x), 10)
	}

	err := reply("My PID is " + strconv.Itoa(os.Getpid()))
	if err != nil {
		return err
	}

	err = reply(fmt.Sprintf("x = %s at address 0x%x", format(), uintptr(value)))
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "modify":
			var v int64 = Modified
			*x = T(v)
			err = reply(format())
		case "set":
			if len(fields) != 2 {
				err = reply("usage: set <value>")
				break
			}
			v, perr := scalar.Parse[T](fields[1])
			if perr != nil {
				err = reply(perr.Error())
				break
			}
			*x = v
			err = reply(format())
		case "+":
			*x++
			err = reply("ok")
		case "-":
			*x--
			err = reply("ok")
		case "nop":
			err = reply("ok")
		case "print":
			err = reply(format())
		case "exit", "quit":
			return reply("bye")
		default:
			err = reply("unknown command")
		}
		if err != nil {
			return err
		}
	}

	return scanner.Err()
}

// Rat is a running lab rat seen from the outside.
type Rat struct {
	PID  int
	Addr uintptr

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// Start re-executes the current binary as a rat of the given kind and
// reads its two greeting lines.
func Start(kind string) (*Rat, error) {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), EnvVar+"="+kind)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	err = cmd.Start()
	if err != nil {
		return nil, errors.Wrap(err, "failed to start lab rat")
	}

	rat := &Rat{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}

	line, err := rat.readLine()
	if err != nil {
		rat.Close()
		return nil, err
	}

	_, err = fmt.Sscanf(line, "My PID is %d", &rat.PID)
	if err != nil {
		rat.Close()
		return nil, errors.Wrapf(err, "unexpected pid line %q", line)
	}

	line, err = rat.readLine()
	if err != nil {
		rat.Close()
		return nil, err
	}

	i := strings.LastIndex(line, "0x")
	if i < 0 {
		rat.Close()
		return nil, errors.Errorf("unexpected address line %q", line)
	}

	addr, err := strconv.ParseUint(line[i+2:], 16, 64)
	if err != nil {
		rat.Close()
		return nil, errors.Wrapf(err, "unexpected address line %q", line)
	}
	rat.Addr = uintptr(addr)

	return rat, nil
}

func (o *Rat) readLine() (string, error) {
	line, err := o.stdout.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "failed to read from lab rat")
	}
	return strings.TrimSpace(line), nil
}

// Send writes one command and returns the rat's response line.
func (o *Rat) Send(command string) (string, error) {
	_, err := io.WriteString(o.stdin, command+"\n")
	if err != nil {
		return "", errors.Wrapf(err, "failed to send %q to lab rat", command)
	}
	return o.readLine()
}

// Kill stops the rat without reaping it and waits until it is a zombie.
// Close reaps it.
func (o *Rat) Kill() error {
	err := o.cmd.Process.Kill()
	if err != nil {
		return errors.Wrap(err, "failed to kill lab rat")
	}

	p, err := process.NewProcess(int32(o.PID))
	if err != nil {
		return errors.Wrap(err, "failed to find killed lab rat")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := p.Status()
		if err == nil && lo.Contains(status, process.Zombie) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("lab rat %d is not a zombie after 5s", o.PID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close asks the rat to exit and waits for it.
func (o *Rat) Close() error {
	_, _ = io.WriteString(o.stdin, "exit\n")
	o.stdin.Close()
	return o.cmd.Wait()
}
