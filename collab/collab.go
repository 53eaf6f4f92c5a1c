package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(other Id) bool {
	return bytes.Compare(self[0:16], other[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) MarshalText() ([]byte, error) {
	return []byte(encodeUuid(self)), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	buf, err := parseUuid(string(src))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	// accepts both uuid forms parseUuid takes, dashed and dashless
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("cannot parse UUID %s", src)
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
// the composite key for one logical file. used as the room name and as the
// replica set identity for the file's document.
type DocumentId struct {
	ProjectId string
	FileId    string
}

func NewDocumentId(projectId string, fileId string) (DocumentId, error) {
	if projectId == "" {
		return DocumentId{}, errors.New("DocumentId requires a project id")
	}
	if fileId == "" {
		return DocumentId{}, errors.New("DocumentId requires a file id")
	}
	if strings.ContainsRune(projectId, '/') {
		return DocumentId{}, errors.New("Project id must not contain a slash")
	}
	return DocumentId{
		ProjectId: projectId,
		FileId:    fileId,
	}, nil
}

func ParseDocumentId(docIdStr string) (DocumentId, error) {
	i := strings.IndexRune(docIdStr, '/')
	if i < 0 {
		return DocumentId{}, fmt.Errorf("cannot parse document id %s", docIdStr)
	}
	return NewDocumentId(docIdStr[0:i], docIdStr[i+1:])
}

func (self DocumentId) String() string {
	return fmt.Sprintf("%s/%s", self.ProjectId, self.FileId)
}
