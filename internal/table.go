package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/grasevski/amqpcli/message"
)

// readShortString reads a short string (1 byte length + bytes)
func readShortString(r *bytes.Reader) (string, error) {
	var length uint8
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("failed to read short string length: %w", err)
	}
	if length == 0 {
		return "", nil
	}
	if int(length) > r.Len() {
		return "", fmt.Errorf("short string length %d exceeds remaining payload %d", length, r.Len())
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to read short string bytes: %w", err)
	}
	return string(buf), nil
}

// writeShortString writes a short string (1 byte length + bytes)
func writeShortString(buf *bytes.Buffer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("short string too long: %d bytes (max 255)", len(s))
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

// readLongString reads a long string (4 byte length + bytes)
func readLongString(r *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("failed to read long string length: %w", err)
	}
	if length == 0 {
		return "", nil
	}
	if int(length) > r.Len() {
		return "", fmt.Errorf("long string length %d exceeds remaining payload %d", length, r.Len())
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to read long string bytes: %w", err)
	}
	return string(buf), nil
}

// writeLongString writes a long string (4 byte length + bytes)
func writeLongString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

// readTable reads an AMQP field table (4 byte size + name/value pairs)
func readTable(r *bytes.Reader) (message.Table, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read table size: %w", err)
	}
	if size == 0 {
		return message.Table{}, nil
	}
	if int(size) > r.Len() {
		return nil, fmt.Errorf("table size %d exceeds remaining payload %d", size, r.Len())
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read table data: %w", err)
	}

	table := message.Table{}
	tr := bytes.NewReader(data)
	for tr.Len() > 0 {
		name, err := readShortString(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read field name: %w", err)
		}
		value, err := readFieldValue(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read value of field '%s': %w", name, err)
		}
		table[name] = value
	}
	return table, nil
}

// writeTable writes an AMQP field table (4 byte size + name/value pairs)
func writeTable(buf *bytes.Buffer, table message.Table) error {
	var inner bytes.Buffer
	for name, value := range table {
		if err := writeShortString(&inner, name); err != nil {
			return fmt.Errorf("failed to write field name '%s': %w", name, err)
		}
		if err := writeFieldValue(&inner, value); err != nil {
			return fmt.Errorf("failed to write value of field '%s': %w", name, err)
		}
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(inner.Len())); err != nil {
		return err
	}
	buf.Write(inner.Bytes())
	return nil
}

// readFieldValue reads one tagged field value
func readFieldValue(r *bytes.Reader) (interface{}, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read field type tag: %w", err)
	}

	switch tag {
	case 't': // boolean
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case 'b': // int8
		var v int8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 's': // int16
		var v int16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'I': // int32
		var v int32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'l': // int64
		var v int64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'f': // float32
		var v float32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'd': // float64
		var v float64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'D': // decimal: scale octet + int32 value
		var d message.Decimal
		if err := binary.Read(r, binary.BigEndian, &d.Scale); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &d.Value); err != nil {
			return nil, err
		}
		return d, nil
	case 'S': // long string
		return readLongString(r)
	case 'A': // array of field values
		var size uint32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, err
		}
		if int(size) > r.Len() {
			return nil, fmt.Errorf("array size %d exceeds remaining payload %d", size, r.Len())
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		ar := bytes.NewReader(data)
		var items []interface{}
		for ar.Len() > 0 {
			item, err := readFieldValue(ar)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case 'T': // timestamp, seconds since epoch
		var v int64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, err
		}
		return time.Unix(v, 0), nil
	case 'F': // nested table
		return readTable(r)
	case 'x': // byte array
		var size uint32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, err
		}
		if int(size) > r.Len() {
			return nil, fmt.Errorf("byte array size %d exceeds remaining payload %d", size, r.Len())
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		return data, nil
	case 'V': // void
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown field type tag: %c", tag)
	}
}

// writeFieldValue writes one tagged field value
func writeFieldValue(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case bool:
		buf.WriteByte('t')
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil
	case int8:
		buf.WriteByte('b')
		return binary.Write(buf, binary.BigEndian, v)
	case int16:
		buf.WriteByte('s')
		return binary.Write(buf, binary.BigEndian, v)
	case int32:
		buf.WriteByte('I')
		return binary.Write(buf, binary.BigEndian, v)
	case int:
		buf.WriteByte('I')
		return binary.Write(buf, binary.BigEndian, int32(v))
	case int64:
		buf.WriteByte('l')
		return binary.Write(buf, binary.BigEndian, v)
	case float32:
		buf.WriteByte('f')
		return binary.Write(buf, binary.BigEndian, v)
	case float64:
		buf.WriteByte('d')
		return binary.Write(buf, binary.BigEndian, v)
	case message.Decimal:
		buf.WriteByte('D')
		if err := binary.Write(buf, binary.BigEndian, v.Scale); err != nil {
			return err
		}
		return binary.Write(buf, binary.BigEndian, v.Value)
	case string:
		buf.WriteByte('S')
		return writeLongString(buf, v)
	case []interface{}:
		buf.WriteByte('A')
		var inner bytes.Buffer
		for _, item := range v {
			if err := writeFieldValue(&inner, item); err != nil {
				return err
			}
		}
		if err := binary.Write(buf, binary.BigEndian, uint32(inner.Len())); err != nil {
			return err
		}
		buf.Write(inner.Bytes())
		return nil
	case time.Time:
		buf.WriteByte('T')
		return binary.Write(buf, binary.BigEndian, v.Unix())
	case message.Table:
		buf.WriteByte('F')
		return writeTable(buf, v)
	case []byte:
		buf.WriteByte('x')
		if err := binary.Write(buf, binary.BigEndian, uint32(len(v))); err != nil {
			return err
		}
		buf.Write(v)
		return nil
	case nil:
		buf.WriteByte('V')
		return nil
	default:
		return fmt.Errorf("unsupported field value type: %T", value)
	}
}
