package assets

import "github.com/spaghettifunk/vesta/engine/renderer/metadata"

type Loader interface {
	Load(path string) (*metadata.PixelBuffer, error)
}
