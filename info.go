package stm32boot

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// Identity is the bootloader identification reported by GetInfo.
type Identity struct {
	ID      string
	Version string
	Author  string
}

// DefaultIdentity is reported when a profile sets no identity.
var DefaultIdentity = Identity{
	ID:      "0xFC10EA01",
	Version: "v1.0",
	Author:  "Mohammed Khaled",
}

const (
	infoSeparator = "------------------------------------------------\n"
	infoHeader    = "|*********     BootLoader Info    *************|\n"
	infoIDLine    = "| BL ID           :    "
	infoVerLine   = "| BL Version      :    "
	infoAuthLine  = "| BL Author       :    "
)

// InfoLines is the number of newline terminated lines in a GetInfo response.
const InfoLines = 7

// infoBlocks returns the text blocks of a GetInfo response in transmit
// order.
func infoBlocks(id Identity) []string {
	return []string{
		infoSeparator,
		infoHeader,
		infoSeparator,
		infoIDLine, id.ID + "\n",
		infoVerLine, id.Version + "\n",
		infoAuthLine, id.Author + "\n",
		infoSeparator,
	}
}

// ParseInfo extracts the identity from a GetInfo response.
func ParseInfo(data []byte) (Identity, error) {
	var (
		id    Identity
		found int
	)
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		line := s.Text()
		switch {
		case strings.HasPrefix(line, infoIDLine):
			id.ID = strings.TrimSpace(strings.TrimPrefix(line, infoIDLine))
			found++
		case strings.HasPrefix(line, infoVerLine):
			id.Version = strings.TrimSpace(strings.TrimPrefix(line, infoVerLine))
			found++
		case strings.HasPrefix(line, infoAuthLine):
			id.Author = strings.TrimSpace(strings.TrimPrefix(line, infoAuthLine))
			found++
		}
	}
	if found != 3 {
		return Identity{}, errors.New("incomplete info response")
	}
	return id, nil
}
