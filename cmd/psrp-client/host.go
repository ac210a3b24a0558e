package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode/utf16"

	"golang.org/x/term"

	"github.com/wingate-labs/psrp-go/psrpcore/hostcall"
	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

// consoleHost answers server-initiated host callbacks on the local
// terminal: Read-Host prompts read from stdin, Write-Host output goes to
// stdout/stderr, and secure prompts use no-echo input when stdin is a
// terminal.
type consoleHost struct {
	stdin *bufio.Reader
}

func newConsoleHost() *consoleHost {
	return &consoleHost{stdin: bufio.NewReader(os.Stdin)}
}

func (h *consoleHost) ReadLine() (string, error) {
	line, err := h.stdin.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (h *consoleHost) ReadLineAsSecureString() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	var line string
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		line = string(b)
	} else {
		s, err := h.ReadLine()
		if err != nil {
			return nil, err
		}
		line = s
	}
	// UTF-16LE, as SecureString plaintext travels before sealing
	units := utf16.Encode([]rune(line))
	out := make([]byte, 2*len(units))
	for i, u := range units {
		out[2*i] = byte(u)
		out[2*i+1] = byte(u >> 8)
	}
	return out, nil
}

func (h *consoleHost) Write(text string)     { fmt.Print(text) }
func (h *consoleHost) WriteLine(text string) { fmt.Println(text) }

func (h *consoleHost) WriteErrorLine(text string) { fmt.Fprintln(os.Stderr, text) }

func (h *consoleHost) WriteDebugLine(text string)   { fmt.Fprintln(os.Stderr, "DEBUG: "+text) }
func (h *consoleHost) WriteVerboseLine(text string) { fmt.Fprintln(os.Stderr, "VERBOSE: "+text) }
func (h *consoleHost) WriteWarningLine(text string) { fmt.Fprintln(os.Stderr, "WARNING: "+text) }

func (h *consoleHost) WriteProgress(activityID int64, record serialization.PsValue) {
	// Progress records also arrive on the progress stream; the host call
	// variant is a no-op here.
	_ = activityID
	_ = record
}

func (h *consoleHost) Prompt(caption, message string, descriptions []serialization.PsValue) (serialization.PsValue, error) {
	if caption != "" {
		fmt.Println(caption)
	}
	if message != "" {
		fmt.Println(message)
	}
	fmt.Print("> ")
	line, err := h.ReadLine()
	if err != nil {
		return nil, err
	}
	result := serialization.NewComplexObject("System.Collections.Hashtable", "System.Object")
	key := "Value"
	if len(descriptions) > 0 {
		if obj, ok := descriptions[0].(*serialization.ComplexObject); ok {
			if v, ok := obj.Extended.Get("Name"); ok {
				if prim, ok := v.(serialization.Primitive); ok && prim.Text != "" {
					key = prim.Text
				}
			}
		}
	}
	result.Content = serialization.ContainerContent{Container: serialization.Container{
		Kind: serialization.ContainerDict,
		Entries: []serialization.DictEntry{
			{Key: serialization.Str(key), Value: serialization.Str(line)},
		},
	}}
	return result, nil
}

func (h *consoleHost) PromptForCredential(caption, message, userName, targetName string) (serialization.PsValue, error) {
	if caption != "" {
		fmt.Println(caption)
	}
	if message != "" {
		fmt.Println(message)
	}
	user := userName
	if user == "" {
		fmt.Print("User: ")
		var err error
		if user, err = h.ReadLine(); err != nil {
			return nil, err
		}
	}
	fmt.Print("Password: ")
	pass, err := h.ReadLineAsSecureString()
	if err != nil {
		return nil, err
	}
	cred := serialization.NewComplexObject("System.Management.Automation.PSCredential", "System.Object")
	cred.Extended.Set("UserName", serialization.Str(user))
	cred.Extended.Set("Password", serialization.SecureString(pass))
	return cred, nil
}

func (h *consoleHost) PromptForChoice(caption, message string, choices []serialization.PsValue, defaultChoice int32) (int32, error) {
	if caption != "" {
		fmt.Println(caption)
	}
	if message != "" {
		fmt.Println(message)
	}
	for i, choice := range choices {
		label := fmt.Sprintf("choice %d", i)
		if obj, ok := choice.(*serialization.ComplexObject); ok {
			if v, ok := obj.Extended.Get("Label"); ok {
				if prim, ok := v.(serialization.Primitive); ok {
					label = prim.Text
				}
			}
		}
		fmt.Printf("  [%d] %s\n", i, strings.ReplaceAll(label, "&", ""))
	}
	fmt.Printf("Choice [default %d]: ", defaultChoice)
	line, err := h.ReadLine()
	if err != nil {
		return 0, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultChoice, nil
	}
	var n int32
	if _, err := fmt.Sscanf(line, "%d", &n); err != nil {
		return defaultChoice, nil
	}
	return n, nil
}

func (h *consoleHost) SetShouldExit(exitCode int32) {
	// The remote runspace asked the host to exit; honored when the
	// pipeline finishes rather than mid-stream.
	_ = exitCode
}

var _ hostcall.Host = (*consoleHost)(nil)
