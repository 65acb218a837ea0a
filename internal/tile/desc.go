package tile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadDesc = errors.New("malformed tile descriptor")

// Desc identifies one rasterized region of a document. Ver, ImgSize and
// Broadcast ride along on the wire but are not part of the cache identity.
type Desc struct {
	Part       int
	ImgWidth   int
	ImgHeight  int
	PosX       int
	PosY       int
	TileWidth  int
	TileHeight int
	Ver        int
	ImgSize    int
	Broadcast  bool
}

// Serialize renders the descriptor in wire form, optionally prefixed
// ("tile", "tile:", ...). Optional fields are omitted when unset.
func (d Desc) Serialize(prefix string) string {
	var sb strings.Builder
	if prefix != "" {
		sb.WriteString(prefix)
		sb.WriteByte(' ')
	}
	fmt.Fprintf(&sb, "part=%d width=%d height=%d tileposx=%d tileposy=%d tilewidth=%d tileheight=%d",
		d.Part, d.ImgWidth, d.ImgHeight, d.PosX, d.PosY, d.TileWidth, d.TileHeight)
	if d.Ver > 0 {
		fmt.Fprintf(&sb, " ver=%d", d.Ver)
	}
	if d.ImgSize > 0 {
		fmt.Fprintf(&sb, " imgsize=%d", d.ImgSize)
	}
	if d.Broadcast {
		sb.WriteString(" broadcast=yes")
	}
	return sb.String()
}

// Key is the cache identity: every field except ver, imgsize, broadcast.
func (d Desc) Key() string {
	return fmt.Sprintf("%d_%dx%d.%d,%d.%dx%d",
		d.Part, d.ImgWidth, d.ImgHeight, d.PosX, d.PosY, d.TileWidth, d.TileHeight)
}

// ParseDesc parses one serialized descriptor, skipping any leading
// non-pair token such as "tile:".
func ParseDesc(line string) (Desc, error) {
	var d Desc
	pairs, err := descPairs(line)
	if err != nil {
		return Desc{}, err
	}
	for name, value := range pairs {
		if name == "broadcast" {
			d.Broadcast = value == "yes"
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return Desc{}, fmt.Errorf("%w: %s=%s", ErrBadDesc, name, value)
		}
		switch name {
		case "part":
			d.Part = n
		case "width":
			d.ImgWidth = n
		case "height":
			d.ImgHeight = n
		case "tileposx":
			d.PosX = n
		case "tileposy":
			d.PosY = n
		case "tilewidth":
			d.TileWidth = n
		case "tileheight":
			d.TileHeight = n
		case "ver":
			d.Ver = n
		case "imgsize":
			d.ImgSize = n
		}
	}
	if d.ImgWidth <= 0 || d.ImgHeight <= 0 || d.TileWidth <= 0 || d.TileHeight <= 0 {
		return Desc{}, fmt.Errorf("%w: %s", ErrBadDesc, line)
	}
	return d, nil
}

// Combined is a batch of tiles sharing part and geometry, with per-tile
// positions and payload sizes carried as comma-joined lists.
type Combined struct {
	Tiles []Desc
}

// NewCombined builds a batch from tiles that share geometry.
func NewCombined(tiles []Desc) Combined {
	return Combined{Tiles: tiles}
}

// Serialize renders the combined request/response header.
func (c Combined) Serialize(prefix string) string {
	if len(c.Tiles) == 0 {
		return prefix
	}
	first := c.Tiles[0]
	var posX, posY, imgSizes, vers []string
	withSizes := false
	withVers := false
	for _, t := range c.Tiles {
		posX = append(posX, strconv.Itoa(t.PosX))
		posY = append(posY, strconv.Itoa(t.PosY))
		imgSizes = append(imgSizes, strconv.Itoa(t.ImgSize))
		vers = append(vers, strconv.Itoa(t.Ver))
		if t.ImgSize > 0 {
			withSizes = true
		}
		if t.Ver > 0 {
			withVers = true
		}
	}
	var sb strings.Builder
	if prefix != "" {
		sb.WriteString(prefix)
		sb.WriteByte(' ')
	}
	fmt.Fprintf(&sb, "part=%d width=%d height=%d tileposx=%s tileposy=%s tilewidth=%d tileheight=%d",
		first.Part, first.ImgWidth, first.ImgHeight,
		strings.Join(posX, ","), strings.Join(posY, ","),
		first.TileWidth, first.TileHeight)
	if withVers {
		fmt.Fprintf(&sb, " ver=%s", strings.Join(vers, ","))
	}
	if withSizes {
		fmt.Fprintf(&sb, " imgsize=%s", strings.Join(imgSizes, ","))
	}
	return sb.String()
}

// ParseCombined parses a combined header into its per-tile descriptors.
func ParseCombined(line string) (Combined, error) {
	pairs, err := descPairs(line)
	if err != nil {
		return Combined{}, err
	}
	intField := func(name string) (int, error) {
		v, ok := pairs[name]
		if !ok {
			return 0, fmt.Errorf("%w: missing %s", ErrBadDesc, name)
		}
		return strconv.Atoi(v)
	}
	part, err := intField("part")
	if err != nil {
		return Combined{}, err
	}
	width, err := intField("width")
	if err != nil {
		return Combined{}, err
	}
	height, err := intField("height")
	if err != nil {
		return Combined{}, err
	}
	tileWidth, err := intField("tilewidth")
	if err != nil {
		return Combined{}, err
	}
	tileHeight, err := intField("tileheight")
	if err != nil {
		return Combined{}, err
	}

	posX, err := intList(pairs["tileposx"])
	if err != nil || len(posX) == 0 {
		return Combined{}, fmt.Errorf("%w: tileposx", ErrBadDesc)
	}
	posY, err := intList(pairs["tileposy"])
	if err != nil || len(posY) != len(posX) {
		return Combined{}, fmt.Errorf("%w: tileposy", ErrBadDesc)
	}
	var imgSizes, vers []int
	if v, ok := pairs["imgsize"]; ok {
		if imgSizes, err = intList(v); err != nil || len(imgSizes) != len(posX) {
			return Combined{}, fmt.Errorf("%w: imgsize", ErrBadDesc)
		}
	}
	if v, ok := pairs["ver"]; ok {
		if vers, err = intList(v); err != nil || len(vers) != len(posX) {
			return Combined{}, fmt.Errorf("%w: ver", ErrBadDesc)
		}
	}

	tiles := make([]Desc, len(posX))
	for i := range posX {
		tiles[i] = Desc{
			Part:       part,
			ImgWidth:   width,
			ImgHeight:  height,
			PosX:       posX[i],
			PosY:       posY[i],
			TileWidth:  tileWidth,
			TileHeight: tileHeight,
		}
		if imgSizes != nil {
			tiles[i].ImgSize = imgSizes[i]
		}
		if vers != nil {
			tiles[i].Ver = vers[i]
		}
	}
	return Combined{Tiles: tiles}, nil
}

func descPairs(line string) (map[string]string, error) {
	pairs := make(map[string]string)
	for _, token := range strings.Fields(line) {
		i := strings.IndexByte(token, '=')
		if i < 0 {
			// Leading verb ("tile:", "tilecombine") - ignore.
			continue
		}
		pairs[token[:i]] = token[i+1:]
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadDesc, line)
	}
	return pairs, nil
}

func intList(value string) ([]int, error) {
	if value == "" {
		return nil, ErrBadDesc
	}
	parts := strings.Split(value, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
