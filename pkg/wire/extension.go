package wire

import (
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/xerrors"
)

// presence bits for the header-extension's optional source fields.
const (
	presenceCreator      uint8 = 1 << 0
	presenceCreatorLocal uint8 = 1 << 1
	presenceCreatorRemote uint8 = 1 << 2
	presenceTopic        uint8 = 1 << 3
)

// Source is the routing triple's source half: who asked (Requestor), who
// minted the message if different from the requestor (Creator), and the
// locally/remotely observed endpoints learned along the way.
type Source struct {
	Requestor     identity.ObjectId
	Creator       *identity.ObjectId
	CreatorLocal  *identity.Endpoint
	CreatorRemote *identity.Endpoint
}

// Extension is the header-extension block: the source triple, the target
// id, and an optional topic string.
type Extension struct {
	Source Source
	Target identity.ObjectId
	Topic  *string
}

// EncodeExtension appends the encoded header-extension to buf.
func EncodeExtension(buf []byte, ext Extension) []byte {
	var presence uint8
	if ext.Source.Creator != nil {
		presence |= presenceCreator
	}
	if ext.Source.CreatorLocal != nil {
		presence |= presenceCreatorLocal
	}
	if ext.Source.CreatorRemote != nil {
		presence |= presenceCreatorRemote
	}
	if ext.Topic != nil {
		presence |= presenceTopic
	}

	body := []byte{presence}
	body = EncodeObjectId(body, ext.Source.Requestor)
	if ext.Source.Creator != nil {
		body = EncodeObjectId(body, *ext.Source.Creator)
	}
	if ext.Source.CreatorLocal != nil {
		body = EncodeEndpoint(body, *ext.Source.CreatorLocal)
	}
	if ext.Source.CreatorRemote != nil {
		body = EncodeEndpoint(body, *ext.Source.CreatorRemote)
	}
	body = EncodeObjectId(body, ext.Target)
	if ext.Topic != nil {
		body = appendLengthPrefixed16(body, []byte(*ext.Topic))
	}

	return appendLengthPrefixed16(buf, body)
}

// DecodeExtension parses a header-extension from the front of buf.
func DecodeExtension(buf []byte) (Extension, []byte, error) {
	block, rest, err := readLengthPrefixed16(buf)
	if err != nil {
		return Extension{}, nil, err
	}
	if len(block) < 1 {
		return Extension{}, nil, xerrors.New(xerrors.OutOfLimit, "empty header-extension")
	}
	presence := block[0]
	block = block[1:]

	var ext Extension
	ext.Source.Requestor, block, err = DecodeObjectId(block)
	if err != nil {
		return Extension{}, nil, err
	}
	if presence&presenceCreator != 0 {
		var creator identity.ObjectId
		creator, block, err = DecodeObjectId(block)
		if err != nil {
			return Extension{}, nil, err
		}
		ext.Source.Creator = &creator
	}
	if presence&presenceCreatorLocal != 0 {
		var ep identity.Endpoint
		ep, block, err = DecodeEndpoint(block)
		if err != nil {
			return Extension{}, nil, err
		}
		ext.Source.CreatorLocal = &ep
	}
	if presence&presenceCreatorRemote != 0 {
		var ep identity.Endpoint
		ep, block, err = DecodeEndpoint(block)
		if err != nil {
			return Extension{}, nil, err
		}
		ext.Source.CreatorRemote = &ep
	}
	ext.Target, block, err = DecodeObjectId(block)
	if err != nil {
		return Extension{}, nil, err
	}
	if presence&presenceTopic != 0 {
		var topicBytes []byte
		topicBytes, block, err = readLengthPrefixed16(block)
		if err != nil {
			return Extension{}, nil, err
		}
		topic := string(topicBytes)
		ext.Topic = &topic
	}

	return ext, rest, nil
}
