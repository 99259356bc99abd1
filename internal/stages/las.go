package stages

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

// LAS 1.2 public header block. encoding/binary reads it without padding.
type lasHeader struct {
	Signature       [4]byte
	FileSourceID    uint16
	GlobalEncoding  uint16
	GUID1           uint32
	GUID2           uint16
	GUID3           uint16
	GUID4           [8]byte
	VersionMajor    uint8
	VersionMinor    uint8
	SystemID        [32]byte
	Software        [32]byte
	CreationDay     uint16
	CreationYear    uint16
	HeaderSize      uint16
	PointDataOffset uint32
	NumVLRs         uint32
	PointFormat     uint8
	PointRecordLen  uint16
	NumPoints       uint32
	PointsByReturn  [5]uint32
	XScale          float64
	YScale          float64
	ZScale          float64
	XOffset         float64
	YOffset         float64
	ZOffset         float64
	MaxX            float64
	MinX            float64
	MaxY            float64
	MinY            float64
	MaxZ            float64
	MinZ            float64
}

type vlrHeader struct {
	Reserved    uint16
	UserID      [16]byte
	RecordID    uint16
	RecordLen   uint16
	Description [32]byte
}

const (
	lasHeaderSize    = 227
	vlrHeaderSize    = 54
	lasBaseRecordLen = 20

	geoKeyDirectoryID  = 34735
	geoKeyGeographic   = 2048
	geoKeyProjected    = 3072
	lasProjectionUser  = "LASF_Projection"
	lasGeneratingAgent = "go-pointcloud-pipeline"

	// initialPointCap bounds the up-front allocation when the file size is unknown.
	initialPointCap = 1 << 16
)

// recordLengths are the minimum record sizes of point formats 0 to 3.
var recordLengths = [4]uint16{20, 28, 26, 34}

// decodeLAS reads an uncompressed LAS 1.0-1.4 file with point format 0-3.
// size is the byte length of r, or 0 when unknown; the header's point count
// must fit in it and in maxPoints (0 means no limit).
func decodeLAS(ctx context.Context, r io.Reader, size int64, maxPoints int) (*model.PointView, error) {
	br := bufio.NewReaderSize(r, 1<<20)

	var h lasHeader
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(err, "read LAS header")
	}
	if string(h.Signature[:]) != "LASF" {
		return nil, errors.New("not a LAS file (missing LASF signature)")
	}
	if h.PointFormat > 3 {
		if h.PointFormat&0x80 != 0 {
			return nil, errors.New("compressed LAZ point data is not supported")
		}
		return nil, errors.Newf("unsupported LAS point format %d", h.PointFormat)
	}
	if h.PointRecordLen < recordLengths[h.PointFormat] {
		return nil, errors.Newf("point record length %d too short for format %d", h.PointRecordLen, h.PointFormat)
	}
	if h.HeaderSize < lasHeaderSize || h.PointDataOffset < uint32(h.HeaderSize) {
		return nil, errors.Newf("corrupt LAS header (header size %d, data offset %d)", h.HeaderSize, h.PointDataOffset)
	}
	if maxPoints > 0 && int64(h.NumPoints) > int64(maxPoints) {
		return nil, errors.Newf("LAS header declares %d points, over the limit of %d", h.NumPoints, maxPoints)
	}
	if size > 0 {
		available := (size - int64(h.PointDataOffset)) / int64(h.PointRecordLen)
		if available < 0 {
			available = 0
		}
		if int64(h.NumPoints) > available {
			return nil, errors.Newf("LAS header declares %d points but the file holds at most %d", h.NumPoints, available)
		}
	}
	if _, err := io.CopyN(io.Discard, br, int64(h.HeaderSize)-lasHeaderSize); err != nil {
		return nil, errors.Wrap(err, "skip extended header")
	}

	consumed := int64(h.HeaderSize)
	view := &model.PointView{}
	for i := uint32(0); i < h.NumVLRs && consumed+vlrHeaderSize <= int64(h.PointDataOffset); i++ {
		var vh vlrHeader
		if err := binary.Read(br, binary.LittleEndian, &vh); err != nil {
			return nil, errors.Wrap(err, "read VLR header")
		}
		body := make([]byte, vh.RecordLen)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, errors.Wrap(err, "read VLR body")
		}
		consumed += vlrHeaderSize + int64(vh.RecordLen)
		if cString(vh.UserID[:]) == lasProjectionUser && vh.RecordID == geoKeyDirectoryID {
			view.SRS = srsFromGeoKeys(body)
		}
	}
	if skip := int64(h.PointDataOffset) - consumed; skip > 0 {
		if _, err := io.CopyN(io.Discard, br, skip); err != nil {
			return nil, errors.Wrap(err, "seek to point data")
		}
	}

	view.Points = make([]model.Point, 0, min(h.NumPoints, initialPointCap))
	rec := make([]byte, h.PointRecordLen)
	for i := uint32(0); i < h.NumPoints; i++ {
		if i%checkEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := io.ReadFull(br, rec); err != nil {
			return nil, errors.Wrapf(err, "read point %d of %d", i, h.NumPoints)
		}
		view.Points = append(view.Points, model.Point{
			X:              float64(int32(binary.LittleEndian.Uint32(rec[0:4])))*h.XScale + h.XOffset,
			Y:              float64(int32(binary.LittleEndian.Uint32(rec[4:8])))*h.YScale + h.YOffset,
			Z:              float64(int32(binary.LittleEndian.Uint32(rec[8:12])))*h.ZScale + h.ZOffset,
			Intensity:      binary.LittleEndian.Uint16(rec[12:14]),
			ReturnNumber:   rec[14] & 0x07,
			Classification: rec[15] & 0x1f,
		})
	}
	return view, nil
}

// encodeLAS writes view as LAS 1.2 point format 0.
func encodeLAS(view *model.PointView) ([]byte, error) {
	b := view.Bounds()
	scale := 0.001
	if isGeographic(view.SRS) {
		scale = 1e-7
	}

	var vlr []byte
	if keys := geoKeysForSRS(view.SRS); keys != nil {
		vlr = keys
	}
	numVLRs := uint32(0)
	vlrBytes := 0
	if vlr != nil {
		numVLRs = 1
		vlrBytes = vlrHeaderSize + len(vlr)
	}

	now := time.Now().UTC()
	h := lasHeader{
		VersionMajor:    1,
		VersionMinor:    2,
		CreationDay:     uint16(now.YearDay()),
		CreationYear:    uint16(now.Year()),
		HeaderSize:      lasHeaderSize,
		PointDataOffset: uint32(lasHeaderSize + vlrBytes),
		NumVLRs:         numVLRs,
		PointFormat:     0,
		PointRecordLen:  lasBaseRecordLen,
		NumPoints:       uint32(view.Len()),
		XScale:          scale,
		YScale:          scale,
		ZScale:          0.001,
		XOffset:         math.Floor(b.MinX),
		YOffset:         math.Floor(b.MinY),
		ZOffset:         math.Floor(b.MinZ),
		MaxX:            b.MaxX,
		MinX:            b.MinX,
		MaxY:            b.MaxY,
		MinY:            b.MinY,
		MaxZ:            b.MaxZ,
		MinZ:            b.MinZ,
	}
	copy(h.Signature[:], "LASF")
	copy(h.SystemID[:], "OTHER")
	copy(h.Software[:], lasGeneratingAgent)

	for _, p := range view.Points {
		r := p.ReturnNumber
		if r < 1 || r > 5 {
			r = 1
		}
		h.PointsByReturn[r-1]++
	}

	var buf bytes.Buffer
	buf.Grow(int(h.PointDataOffset) + view.Len()*lasBaseRecordLen)
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(err, "write LAS header")
	}
	if vlr != nil {
		vh := vlrHeader{RecordID: geoKeyDirectoryID, RecordLen: uint16(len(vlr))}
		copy(vh.UserID[:], lasProjectionUser)
		copy(vh.Description[:], "GeoTiff GeoKeyDirectoryTag")
		if err := binary.Write(&buf, binary.LittleEndian, &vh); err != nil {
			return nil, errors.Wrap(err, "write VLR header")
		}
		buf.Write(vlr)
	}

	rec := make([]byte, lasBaseRecordLen)
	for i, p := range view.Points {
		x, errX := scaled(p.X, h.XOffset, h.XScale)
		y, errY := scaled(p.Y, h.YOffset, h.YScale)
		z, errZ := scaled(p.Z, h.ZOffset, h.ZScale)
		if err := errors.CombineErrors(errX, errors.CombineErrors(errY, errZ)); err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		binary.LittleEndian.PutUint32(rec[0:4], uint32(x))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(y))
		binary.LittleEndian.PutUint32(rec[8:12], uint32(z))
		binary.LittleEndian.PutUint16(rec[12:14], p.Intensity)
		ret := p.ReturnNumber & 0x07
		if ret == 0 {
			ret = 1
		}
		rec[14] = ret | ret<<3 // return number, number of returns
		rec[15] = p.Classification & 0x1f
		rec[16], rec[17] = 0, 0
		binary.LittleEndian.PutUint16(rec[18:20], 0)
		buf.Write(rec)
	}
	return buf.Bytes(), nil
}

func scaled(v, offset, scale float64) (int32, error) {
	s := math.Round((v - offset) / scale)
	if s > math.MaxInt32 || s < math.MinInt32 || math.IsNaN(s) {
		return 0, errors.Newf("coordinate %v out of range for scale %v", v, scale)
	}
	return int32(s), nil
}

// srsFromGeoKeys extracts an EPSG code from a GeoKeyDirectoryTag record.
func srsFromGeoKeys(body []byte) string {
	if len(body) < 8 {
		return ""
	}
	n := int(binary.LittleEndian.Uint16(body[6:8]))
	for i := 0; i < n; i++ {
		off := 8 + i*8
		if off+8 > len(body) {
			break
		}
		key := binary.LittleEndian.Uint16(body[off:])
		location := binary.LittleEndian.Uint16(body[off+2:])
		value := binary.LittleEndian.Uint16(body[off+6:])
		if location == 0 && (key == geoKeyProjected || key == geoKeyGeographic) && value != 0 && value != 32767 {
			return "EPSG:" + strconv.Itoa(int(value))
		}
	}
	return ""
}

// geoKeysForSRS builds a minimal GeoKeyDirectoryTag for an EPSG code.
func geoKeysForSRS(srs string) []byte {
	code, ok := epsgCode(srs)
	if !ok || code > math.MaxUint16 {
		return nil
	}
	modelType, key := uint16(1), uint16(geoKeyProjected) // ModelTypeProjected
	if isGeographic(srs) {
		modelType, key = 2, geoKeyGeographic
	}
	keys := []uint16{
		1, 1, 0, 2, // version, revision, minor, key count
		1024, 0, 1, modelType, // GTModelTypeGeoKey
		key, 0, 1, uint16(code),
	}
	out := make([]byte, len(keys)*2)
	for i, k := range keys {
		binary.LittleEndian.PutUint16(out[i*2:], k)
	}
	return out
}

func epsgCode(srs string) (int, bool) {
	s := strings.ToUpper(strings.TrimSpace(srs))
	if !strings.HasPrefix(s, "EPSG:") {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimPrefix(s, "EPSG:"))
	if err != nil || code <= 0 {
		return 0, false
	}
	return code, true
}

// isGeographic reports whether srs is a geographic (degree based) EPSG code.
func isGeographic(srs string) bool {
	code, ok := epsgCode(srs)
	return ok && code >= 4000 && code < 5000
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
