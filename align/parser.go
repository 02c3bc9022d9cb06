package align

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SourceFunc produces a point cloud on demand.
type SourceFunc func() (PointCloud, error)

// FileSource returns a SourceFunc that loads path with LoadCloud.
func FileSource(path string) SourceFunc {
	return func() (PointCloud, error) {
		return LoadCloud(path)
	}
}

// StaticSource returns a SourceFunc yielding a copy of cloud.
func StaticSource(cloud PointCloud) SourceFunc {
	return func() (PointCloud, error) {
		return cloud.Clone(), nil
	}
}

// LoadCloud reads a point cloud file, choosing the decoder by extension
// (.ply, .pcd, anything else is read as whitespace separated x y z).
// Points with non-finite coordinates are dropped.
func LoadCloud(path string) (PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cloud file: %w", err)
	}
	defer f.Close()

	var cloud PointCloud
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ply":
		cloud, err = ReadPLY(f)
	case ".pcd":
		cloud, err = ReadPCD(f)
	default:
		cloud, err = ReadXYZ(f)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cloud, nil
}

// SaveCloud writes cloud to path as PLY when the extension is .ply and as
// XYZ otherwise.
func SaveCloud(path string, cloud PointCloud) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating cloud file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".ply") {
		err = WritePLY(f, cloud)
	} else {
		err = WriteXYZ(f, cloud)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("writing cloud file: %w", err)
	}
	return nil
}

// ReadXYZ parses one point per line. Fields may be separated by whitespace
// or commas; columns after the third are ignored, as are blank lines and
// lines starting with '#'.
func ReadXYZ(r io.Reader) (PointCloud, error) {
	var cloud PointCloud
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		p, err := parseTriple(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if p.IsFinite() {
			cloud = append(cloud, p)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading XYZ: %w", err)
	}
	return cloud, nil
}

// WriteXYZ writes one "x y z" line per point.
func WriteXYZ(w io.Writer, cloud PointCloud) error {
	bw := bufio.NewWriter(w)
	for _, p := range cloud {
		if _, err := fmt.Fprintf(bw, "%s %s %s\n", formatCoord(p.X), formatCoord(p.Y), formatCoord(p.Z)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func parseTriple(fields []string) (Point, error) {
	if len(fields) < 3 {
		return Point{}, fmt.Errorf("expected 3 coordinates, got %d", len(fields))
	}
	var c [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return Point{}, fmt.Errorf("coordinate %d: %w", i, err)
		}
		c[i] = v
	}
	return Point{X: c[0], Y: c[1], Z: c[2]}, nil
}

// maxPrealloc bounds how many points a header count may reserve up front.
// Larger clouds still load; the slice grows as points are read.
const maxPrealloc = 1 << 20

func capacityHint(declared int) int {
	if declared > maxPrealloc {
		return maxPrealloc
	}
	return declared
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ---------------------------------------------------------------------------
// PLY
// ---------------------------------------------------------------------------

type plyProperty struct {
	name   string
	typ    string
	isList bool
}

type plyElement struct {
	name       string
	count      int
	properties []plyProperty
}

type plyHeader struct {
	format   string // ascii, binary_little_endian, binary_big_endian
	elements []plyElement
}

// ReadPLY parses the vertex element of a PLY file. ASCII and binary
// encodings are supported; only x, y and z are kept.
func ReadPLY(r io.Reader) (PointCloud, error) {
	br := bufio.NewReader(r)
	h, err := readPLYHeader(br)
	if err != nil {
		return nil, err
	}

	vertexIdx := -1
	for i, el := range h.elements {
		if el.name == "vertex" {
			vertexIdx = i
			break
		}
	}
	if vertexIdx < 0 {
		return nil, fmt.Errorf("ply: no vertex element")
	}
	vertex := h.elements[vertexIdx]
	axes, err := axisColumns(vertex.properties)
	if err != nil {
		return nil, err
	}

	if h.format == "ascii" {
		return readPLYASCII(br, h.elements[:vertexIdx], vertex, axes)
	}
	if vertexIdx != 0 {
		return nil, fmt.Errorf("ply: binary files must list the vertex element first")
	}
	var order binary.ByteOrder = binary.LittleEndian
	if h.format == "binary_big_endian" {
		order = binary.BigEndian
	}
	return readPLYBinary(br, vertex, axes, order)
}

func readPLYHeader(br *bufio.Reader) (plyHeader, error) {
	var h plyHeader
	first, err := br.ReadString('\n')
	if err != nil || strings.TrimSpace(first) != "ply" {
		return h, fmt.Errorf("ply: missing magic line")
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return h, fmt.Errorf("ply: unterminated header: %w", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return h, fmt.Errorf("ply: malformed format line")
			}
			h.format = fields[1]
		case "element":
			if len(fields) != 3 {
				return h, fmt.Errorf("ply: malformed element line %q", strings.TrimSpace(line))
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return h, fmt.Errorf("ply: bad element count %q", fields[2])
			}
			h.elements = append(h.elements, plyElement{name: fields[1], count: n})
		case "property":
			if len(h.elements) == 0 {
				return h, fmt.Errorf("ply: property before element")
			}
			el := &h.elements[len(h.elements)-1]
			if len(fields) >= 5 && fields[1] == "list" {
				el.properties = append(el.properties, plyProperty{name: fields[4], typ: fields[3], isList: true})
			} else if len(fields) == 3 {
				el.properties = append(el.properties, plyProperty{name: fields[2], typ: fields[1]})
			} else {
				return h, fmt.Errorf("ply: malformed property line %q", strings.TrimSpace(line))
			}
		case "end_header":
			switch h.format {
			case "ascii", "binary_little_endian", "binary_big_endian":
				return h, nil
			default:
				return h, fmt.Errorf("ply: unsupported format %q", h.format)
			}
		}
	}
}

func axisColumns(props []plyProperty) ([3]int, error) {
	cols := [3]int{-1, -1, -1}
	for i, p := range props {
		switch p.name {
		case "x":
			cols[0] = i
		case "y":
			cols[1] = i
		case "z":
			cols[2] = i
		}
	}
	for axis, c := range cols {
		if c < 0 {
			return cols, fmt.Errorf("ply: vertex has no %c property", "xyz"[axis])
		}
		if props[c].isList {
			return cols, fmt.Errorf("ply: %s is a list property", props[c].name)
		}
	}
	return cols, nil
}

func readPLYASCII(br *bufio.Reader, skip []plyElement, vertex plyElement, axes [3]int) (PointCloud, error) {
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	skipLines := 0
	for _, el := range skip {
		skipLines += el.count
	}
	for skipLines > 0 && sc.Scan() {
		skipLines--
	}

	cloud := make(PointCloud, 0, capacityHint(vertex.count))
	for i := 0; i < vertex.count; i++ {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, fmt.Errorf("ply: reading vertex %d: %w", i, err)
			}
			return nil, fmt.Errorf("ply: expected %d vertices, got %d", vertex.count, i)
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < len(vertex.properties) {
			return nil, fmt.Errorf("ply: vertex %d has %d values, want %d", i, len(fields), len(vertex.properties))
		}
		var c [3]float64
		for axis, col := range axes {
			v, err := strconv.ParseFloat(fields[col], 64)
			if err != nil {
				return nil, fmt.Errorf("ply: vertex %d: %w", i, err)
			}
			c[axis] = v
		}
		p := Point{X: c[0], Y: c[1], Z: c[2]}
		if p.IsFinite() {
			cloud = append(cloud, p)
		}
	}
	return cloud, nil
}

func plyTypeSize(typ string) int {
	switch typ {
	case "char", "uchar", "int8", "uint8":
		return 1
	case "short", "ushort", "int16", "uint16":
		return 2
	case "int", "uint", "int32", "uint32", "float", "float32":
		return 4
	case "double", "float64":
		return 8
	default:
		return 0
	}
}

func readPLYBinary(br *bufio.Reader, vertex plyElement, axes [3]int, order binary.ByteOrder) (PointCloud, error) {
	offsets := make([]int, len(vertex.properties))
	stride := 0
	for i, p := range vertex.properties {
		if p.isList {
			return nil, fmt.Errorf("ply: binary vertex list properties are not supported")
		}
		size := plyTypeSize(p.typ)
		if size == 0 {
			return nil, fmt.Errorf("ply: unknown property type %q", p.typ)
		}
		offsets[i] = stride
		stride += size
	}

	record := make([]byte, stride)
	cloud := make(PointCloud, 0, capacityHint(vertex.count))
	for i := 0; i < vertex.count; i++ {
		if _, err := io.ReadFull(br, record); err != nil {
			return nil, fmt.Errorf("ply: reading vertex %d: %w", i, err)
		}
		var c [3]float64
		for axis, col := range axes {
			v, err := decodeScalar(record[offsets[col]:], vertex.properties[col].typ, order)
			if err != nil {
				return nil, err
			}
			c[axis] = v
		}
		p := Point{X: c[0], Y: c[1], Z: c[2]}
		if p.IsFinite() {
			cloud = append(cloud, p)
		}
	}
	return cloud, nil
}

func decodeScalar(b []byte, typ string, order binary.ByteOrder) (float64, error) {
	switch typ {
	case "char", "int8":
		return float64(int8(b[0])), nil
	case "uchar", "uint8":
		return float64(b[0]), nil
	case "short", "int16":
		return float64(int16(order.Uint16(b))), nil
	case "ushort", "uint16":
		return float64(order.Uint16(b)), nil
	case "int", "int32":
		return float64(int32(order.Uint32(b))), nil
	case "uint", "uint32":
		return float64(order.Uint32(b)), nil
	case "float", "float32":
		return float64(math.Float32frombits(order.Uint32(b))), nil
	case "double", "float64":
		return math.Float64frombits(order.Uint64(b)), nil
	default:
		return 0, fmt.Errorf("unknown scalar type %q", typ)
	}
}

// WritePLY writes cloud as an ASCII PLY file with x, y and z properties.
func WritePLY(w io.Writer, cloud PointCloud) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\nelement vertex %d\n", len(cloud))
	fmt.Fprint(bw, "property double x\nproperty double y\nproperty double z\nend_header\n")
	for _, p := range cloud {
		fmt.Fprintf(bw, "%s %s %s\n", formatCoord(p.X), formatCoord(p.Y), formatCoord(p.Z))
	}
	return bw.Flush()
}

// ---------------------------------------------------------------------------
// PCD
// ---------------------------------------------------------------------------

type pcdField struct {
	name  string
	size  int
	typ   byte // F, I or U
	count int
}

// ReadPCD parses a PCD file with DATA ascii or binary. binary_compressed is
// rejected.
func ReadPCD(r io.Reader) (PointCloud, error) {
	br := bufio.NewReader(r)

	var (
		fields []pcdField
		points = -1
		data   string
	)
	for data == "" {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("pcd: unterminated header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		key, vals := strings.ToUpper(parts[0]), parts[1:]
		switch key {
		case "FIELDS":
			fields = make([]pcdField, len(vals))
			for i, name := range vals {
				fields[i] = pcdField{name: name, size: 4, typ: 'F', count: 1}
			}
		case "SIZE", "TYPE", "COUNT":
			if len(vals) != len(fields) {
				return nil, fmt.Errorf("pcd: %s lists %d values for %d fields", key, len(vals), len(fields))
			}
			for i, v := range vals {
				switch key {
				case "TYPE":
					fields[i].typ = strings.ToUpper(v)[0]
				default:
					n, err := strconv.Atoi(v)
					if err != nil || n <= 0 {
						return nil, fmt.Errorf("pcd: bad %s value %q", key, v)
					}
					if key == "SIZE" {
						fields[i].size = n
					} else {
						fields[i].count = n
					}
				}
			}
		case "POINTS":
			if len(vals) != 1 {
				return nil, fmt.Errorf("pcd: malformed POINTS line")
			}
			n, err := strconv.Atoi(vals[0])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("pcd: bad POINTS value %q", vals[0])
			}
			points = n
		case "DATA":
			if len(vals) != 1 {
				return nil, fmt.Errorf("pcd: malformed DATA line")
			}
			data = strings.ToLower(vals[0])
		}
	}
	if points < 0 {
		return nil, fmt.Errorf("pcd: missing POINTS")
	}

	// column/byte position of x, y, z
	var cols, offs [3]int
	found := [3]bool{}
	col, off := 0, 0
	for _, f := range fields {
		if axis := strings.Index("xyz", f.name); len(f.name) == 1 && axis >= 0 {
			cols[axis], offs[axis], found[axis] = col, off, true
		}
		col += f.count
		off += f.size * f.count
	}
	for axis, ok := range found {
		if !ok {
			return nil, fmt.Errorf("pcd: no %c field", "xyz"[axis])
		}
	}

	switch data {
	case "ascii":
		return readPCDASCII(br, points, cols, col)
	case "binary":
		var xyz [3]pcdField
		for _, f := range fields {
			if axis := strings.Index("xyz", f.name); len(f.name) == 1 && axis >= 0 {
				xyz[axis] = f
			}
		}
		return readPCDBinary(br, points, off, offs, xyz)
	default:
		return nil, fmt.Errorf("pcd: unsupported DATA %q", data)
	}
}

func readPCDASCII(br *bufio.Reader, points int, cols [3]int, width int) (PointCloud, error) {
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	cloud := make(PointCloud, 0, capacityHint(points))
	for i := 0; i < points; i++ {
		if !sc.Scan() {
			return nil, fmt.Errorf("pcd: expected %d points, got %d", points, i)
		}
		vals := strings.Fields(sc.Text())
		if len(vals) < width {
			return nil, fmt.Errorf("pcd: point %d has %d values, want %d", i, len(vals), width)
		}
		var c [3]float64
		for axis, col := range cols {
			v, err := strconv.ParseFloat(vals[col], 64)
			if err != nil {
				return nil, fmt.Errorf("pcd: point %d: %w", i, err)
			}
			c[axis] = v
		}
		p := Point{X: c[0], Y: c[1], Z: c[2]}
		if p.IsFinite() {
			cloud = append(cloud, p)
		}
	}
	return cloud, nil
}

func readPCDBinary(br *bufio.Reader, points, stride int, offs [3]int, xyz [3]pcdField) (PointCloud, error) {
	types := [3]string{}
	for axis, f := range xyz {
		switch {
		case f.typ == 'F' && f.size == 4:
			types[axis] = "float"
		case f.typ == 'F' && f.size == 8:
			types[axis] = "double"
		case f.typ == 'I' && f.size == 4:
			types[axis] = "int"
		case f.typ == 'U' && f.size == 4:
			types[axis] = "uint"
		default:
			return nil, fmt.Errorf("pcd: unsupported %s field type %c%d", f.name, f.typ, f.size)
		}
	}

	record := make([]byte, stride)
	cloud := make(PointCloud, 0, capacityHint(points))
	for i := 0; i < points; i++ {
		if _, err := io.ReadFull(br, record); err != nil {
			return nil, fmt.Errorf("pcd: reading point %d: %w", i, err)
		}
		var c [3]float64
		for axis := range c {
			v, err := decodeScalar(record[offs[axis]:], types[axis], binary.LittleEndian)
			if err != nil {
				return nil, err
			}
			c[axis] = v
		}
		p := Point{X: c[0], Y: c[1], Z: c[2]}
		if p.IsFinite() {
			cloud = append(cloud, p)
		}
	}
	return cloud, nil
}
