package attributes

// defaultSecurity is a self-relative security descriptor granting
// Everyone (S-1-1-0) full access through a single inheritable ACE.
var defaultSecurity = []byte{
	// SECURITY_DESCRIPTOR_RELATIVE: rev 1, control SE_DACL_PRESENT|SE_SELF_RELATIVE
	0x01, 0x00, 0x04, 0x80,
	0x00, 0x00, 0x00, 0x00, // owner
	0x00, 0x00, 0x00, 0x00, // group
	0x00, 0x00, 0x00, 0x00, // sacl
	0x14, 0x00, 0x00, 0x00, // dacl
	// ACL: rev 2, size 0x1C, one ACE
	0x02, 0x00, 0x1C, 0x00, 0x01, 0x00, 0x00, 0x00,
	// ACCESS_ALLOWED_ACE: object|container inherit, size 0x14, mask 0x001F01FF
	0x00, 0x03, 0x14, 0x00, 0xFF, 0x01, 0x1F, 0x00,
	// SID S-1-1-0
	0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
}

// DefaultSecurityDescriptor returns a copy of the descriptor stored in a
// resident $SECURITY_DESCRIPTOR when no $Secure id is available.
func DefaultSecurityDescriptor() []byte {
	return append([]byte(nil), defaultSecurity...)
}
