// Package command builds the newline-terminated ASCII commands sent up the link.
package command

import (
	"fmt"
	"strings"

	"github.com/norasector/satlink/pkg/retransmit"
	"github.com/norasector/satlink/pkg/util"
)

const (
	GetRadioConfigName = "get_radio_config"
	SetUplinkRadioName = "set_uplink_radio"
	SendImageName      = "SEND_IMAGE"
)

func GetRadioConfig() string {
	return Terminate(GetRadioConfigName)
}

// SetUplinkRadio selects the uplink radio. node is optional and omitted when empty.
func SetUplinkRadio(kind string, freqHz int, node string) string {
	cmd := fmt.Sprintf("%s %s %s", SetUplinkRadioName, kind, util.FormatMHz(freqHz))
	if node = strings.TrimSpace(node); node != "" {
		cmd += " " + node
	}
	return Terminate(cmd)
}

func SendImage(path string) string {
	return Terminate(SendImageName + " " + path)
}

// Retransmit builds a single RETRANSMIT line without enforcing a budget.
func Retransmit(filename string, indices ...int) string {
	cmds := retransmit.BuildCommands(filename, indices, 1<<30)
	if len(cmds) == 0 {
		return Terminate(retransmit.CommandName + " " + filename)
	}
	return cmds[0]
}

// Terminate normalises cmd to exactly one trailing newline.
func Terminate(cmd string) string {
	return strings.TrimRight(cmd, "\r\n") + "\n"
}

// ImageTarget returns the remote path named by a SEND_IMAGE command.
func ImageTarget(cmd string) (string, bool) {
	fields := strings.Fields(cmd)
	if len(fields) < 2 || fields[0] != SendImageName {
		return "", false
	}
	return fields[1], true
}
