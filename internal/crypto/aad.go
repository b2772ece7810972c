package crypto

const aadLabel = "mesh:noise:v1"

// BuildAAD binds a ciphertext to its direction.
func BuildAAD(fromID, toID []byte) []byte {
	buf := make([]byte, 0, len(aadLabel)+len(fromID)+len(toID))
	buf = append(buf, aadLabel...)
	buf = append(buf, fromID...)
	buf = append(buf, toID...)
	return buf
}
