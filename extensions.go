package turtls

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/net/idna"
)

// ExtensionBody parses and serializes the body of one extension.
// Unmarshal reports how many bytes it consumed, which is always the
// whole buffer on success.
type ExtensionBody interface {
	Type() ExtensionType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

// Extension is the wire form: a type code and opaque data.
type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte
}

type ExtensionList []Extension

var (
	errDuplicateExtension = errors.New("turtls: duplicate extension")
	errExtensionSyntax    = errors.New("turtls: malformed extension")
)

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := src.Marshal()
	if err != nil {
		return err
	}
	for i := range *el {
		if (*el)[i].ExtensionType == src.Type() {
			(*el)[i].ExtensionData = data
			return nil
		}
	}
	*el = append(*el, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

// Find locates the extension matching dst's type and parses it into
// dst.  The first return is whether the extension was present.
func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el {
		if ext.ExtensionType != dst.Type() {
			continue
		}
		read, err := dst.Unmarshal(ext.ExtensionData)
		if err != nil {
			return true, err
		}
		if read < len(ext.ExtensionData) {
			return true, errExtensionSyntax
		}
		return true, nil
	}
	return false, nil
}

func (el ExtensionList) marshalTo(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, ext := range el {
			b.AddUint16(uint16(ext.ExtensionType))
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(ext.ExtensionData)
			})
		}
	})
}

func (el *ExtensionList) unmarshalFrom(s *cryptobyte.String) error {
	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) {
		return errExtensionSyntax
	}
	seen := map[ExtensionType]bool{}
	*el = nil
	for !exts.Empty() {
		var extType uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&data) {
			return errExtensionSyntax
		}
		if seen[ExtensionType(extType)] {
			return errDuplicateExtension
		}
		seen[ExtensionType(extType)] = true
		*el = append(*el, Extension{
			ExtensionType: ExtensionType(extType),
			ExtensionData: []byte(data),
		})
	}
	return nil
}

///// server_name

// ServerNameExtension carries a single host_name entry.  Names are
// normalized to A-labels before they hit the wire.
type ServerNameExtension string

func (sni ServerNameExtension) Type() ExtensionType {
	return ExtensionTypeServerName
}

func (sni ServerNameExtension) Marshal() ([]byte, error) {
	name, err := idna.Lookup.ToASCII(string(sni))
	if err != nil {
		return nil, errors.Wrap(err, "turtls: invalid server name")
	}
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0) // name_type host_name
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(name))
		})
	})
	return b.Bytes()
}

func (sni *ServerNameExtension) Unmarshal(data []byte) (int, error) {
	// In the ServerHello this extension is an empty acknowledgement.
	if len(data) == 0 {
		*sni = ""
		return 0, nil
	}
	s := cryptobyte.String(data)
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) {
		return 0, errExtensionSyntax
	}
	var nameType uint8
	var name cryptobyte.String
	if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
		return 0, errExtensionSyntax
	}
	if nameType != 0 || len(name) == 0 {
		return 0, errExtensionSyntax
	}
	*sni = ServerNameExtension(name)
	return len(data) - len(s), nil
}

///// supported_groups

type SupportedGroupsExtension struct {
	Groups []NamedGroup
}

func (sg SupportedGroupsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedGroups
}

func (sg SupportedGroupsExtension) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, group := range sg.Groups {
			b.AddUint16(uint16(group))
		}
	})
	return b.Bytes()
}

func (sg *SupportedGroupsExtension) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || list.Empty() || len(list)%2 != 0 {
		return 0, errExtensionSyntax
	}
	sg.Groups = nil
	for !list.Empty() {
		var group uint16
		list.ReadUint16(&group)
		sg.Groups = append(sg.Groups, NamedGroup(group))
	}
	return len(data) - len(s), nil
}

///// signature_algorithms

type SignatureAlgorithmsExtension struct {
	Algorithms []SignatureScheme
}

func (sa SignatureAlgorithmsExtension) Type() ExtensionType {
	return ExtensionTypeSignatureAlgorithms
}

func (sa SignatureAlgorithmsExtension) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, alg := range sa.Algorithms {
			b.AddUint16(uint16(alg))
		}
	})
	return b.Bytes()
}

func (sa *SignatureAlgorithmsExtension) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || list.Empty() || len(list)%2 != 0 {
		return 0, errExtensionSyntax
	}
	sa.Algorithms = nil
	for !list.Empty() {
		var alg uint16
		list.ReadUint16(&alg)
		sa.Algorithms = append(sa.Algorithms, SignatureScheme(alg))
	}
	return len(data) - len(s), nil
}

///// application_layer_protocol_negotiation

type ALPNExtension struct {
	Protocols []string
}

func (alpn ALPNExtension) Type() ExtensionType {
	return ExtensionTypeALPN
}

func (alpn ALPNExtension) Marshal() ([]byte, error) {
	for _, proto := range alpn.Protocols {
		if len(proto) == 0 || len(proto) > 255 {
			return nil, errors.New("turtls: invalid ALPN protocol name")
		}
	}
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, proto := range alpn.Protocols {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(proto))
			})
		}
	})
	return b.Bytes()
}

func (alpn *ALPNExtension) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || list.Empty() {
		return 0, errExtensionSyntax
	}
	alpn.Protocols = nil
	for !list.Empty() {
		var proto cryptobyte.String
		if !list.ReadUint8LengthPrefixed(&proto) || proto.Empty() {
			return 0, errExtensionSyntax
		}
		alpn.Protocols = append(alpn.Protocols, string(proto))
	}
	return len(data) - len(s), nil
}

///// supported_versions

// SupportedVersionsExtension has two wire shapes: a version list in the
// ClientHello and a single selected version in the ServerHello.
type SupportedVersionsExtension struct {
	HandshakeType HandshakeType
	Versions      []uint16
}

func (sv SupportedVersionsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedVersions
}

func (sv SupportedVersionsExtension) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	switch sv.HandshakeType {
	case HandshakeTypeClientHello:
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, v := range sv.Versions {
				b.AddUint16(v)
			}
		})
	case HandshakeTypeServerHello:
		if len(sv.Versions) != 1 {
			return nil, errors.New("turtls: ServerHello carries exactly one version")
		}
		b.AddUint16(sv.Versions[0])
	default:
		return nil, errors.New("turtls: supported_versions in unexpected message")
	}
	return b.Bytes()
}

func (sv *SupportedVersionsExtension) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	sv.Versions = nil
	switch sv.HandshakeType {
	case HandshakeTypeClientHello:
		var list cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&list) || list.Empty() || len(list)%2 != 0 {
			return 0, errExtensionSyntax
		}
		for !list.Empty() {
			var v uint16
			list.ReadUint16(&v)
			sv.Versions = append(sv.Versions, v)
		}
	case HandshakeTypeServerHello:
		var v uint16
		if !s.ReadUint16(&v) {
			return 0, errExtensionSyntax
		}
		sv.Versions = []uint16{v}
	default:
		return 0, errors.New("turtls: supported_versions in unexpected message")
	}
	return len(data) - len(s), nil
}

///// key_share

type KeyShareEntry struct {
	Group       NamedGroup
	KeyExchange []byte
}

// KeyShareExtension is a list of entries in the ClientHello and a
// single entry in the ServerHello.
type KeyShareExtension struct {
	HandshakeType HandshakeType
	Shares        []KeyShareEntry
}

func (ks KeyShareExtension) Type() ExtensionType {
	return ExtensionTypeKeyShare
}

func (ks KeyShareExtension) Marshal() ([]byte, error) {
	addEntry := func(b *cryptobyte.Builder, entry KeyShareEntry) {
		b.AddUint16(uint16(entry.Group))
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(entry.KeyExchange)
		})
	}
	var b cryptobyte.Builder
	switch ks.HandshakeType {
	case HandshakeTypeClientHello:
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, entry := range ks.Shares {
				addEntry(b, entry)
			}
		})
	case HandshakeTypeServerHello:
		if len(ks.Shares) != 1 {
			return nil, errors.New("turtls: ServerHello carries exactly one key share")
		}
		addEntry(&b, ks.Shares[0])
	default:
		return nil, errors.New("turtls: key_share in unexpected message")
	}
	return b.Bytes()
}

func (ks *KeyShareExtension) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	readEntry := func(s *cryptobyte.String) (KeyShareEntry, bool) {
		var group uint16
		var kex cryptobyte.String
		if !s.ReadUint16(&group) || !s.ReadUint16LengthPrefixed(&kex) || kex.Empty() {
			return KeyShareEntry{}, false
		}
		return KeyShareEntry{Group: NamedGroup(group), KeyExchange: []byte(kex)}, true
	}
	ks.Shares = nil
	switch ks.HandshakeType {
	case HandshakeTypeClientHello:
		var list cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&list) {
			return 0, errExtensionSyntax
		}
		seen := map[NamedGroup]bool{}
		for !list.Empty() {
			entry, ok := readEntry(&list)
			if !ok || seen[entry.Group] {
				return 0, errExtensionSyntax
			}
			seen[entry.Group] = true
			ks.Shares = append(ks.Shares, entry)
		}
	case HandshakeTypeServerHello:
		entry, ok := readEntry(&s)
		if !ok {
			return 0, errExtensionSyntax
		}
		ks.Shares = []KeyShareEntry{entry}
	default:
		return 0, errors.New("turtls: key_share in unexpected message")
	}
	return len(data) - len(s), nil
}
