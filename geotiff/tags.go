package geotiff

// Byte order markers, read as a big endian uint16 from the first two bytes.
const (
	littleEndian uint16 = 0x4949 // "II"
	bigEndian    uint16 = 0x4D4D // "MM"
)

const (
	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8

	classicHeaderLen = 8
	bigHeaderLen     = 16
	classicEntryLen  = 12
	bigEntryLen      = 20
	maxIFDEntries    = 65535
)

type fieldType uint16

// TIFF field types.
const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

const (
	zeroByte  = 0
	oneByte   = 1
	twoByte   = 2
	fourByte  = 4
	eightByte = 8
)

// Baseline and extension TIFF tags used by the decoder.
const (
	ImageWidth                Tag = 256
	ImageLength               Tag = 257
	BitsPerSample             Tag = 258
	Compression               Tag = 259
	PhotometricInterpretation Tag = 262
	StripOffsets              Tag = 273
	SamplesPerPixel           Tag = 277
	RowsPerStrip              Tag = 278
	StripByteCounts           Tag = 279
	PlanarConfiguration       Tag = 284
	Predictor                 Tag = 317
	TileWidth                 Tag = 322
	TileLength                Tag = 323
	TileOffsets               Tag = 324
	TileByteCounts            Tag = 325
	SampleFormat              Tag = 339

	ModelPixelScale     Tag = 33550
	ModelTiepoint       Tag = 33922
	ModelTransformation Tag = 34264
	GeoKeyDirectory     Tag = 34735
	GeoDoubleParams     Tag = 34736
	GeoAsciiParams      Tag = 34737

	GDALMetadataTag Tag = 42112
	GDALNoData      Tag = 42113
)

var tagToLabel = map[Tag]string{
	ImageWidth:                "ImageWidth",
	ImageLength:               "ImageLength",
	BitsPerSample:             "BitsPerSample",
	Compression:               "Compression",
	PhotometricInterpretation: "PhotometricInterpretation",
	StripOffsets:              "StripOffsets",
	SamplesPerPixel:           "SamplesPerPixel",
	RowsPerStrip:              "RowsPerStrip",
	StripByteCounts:           "StripByteCounts",
	PlanarConfiguration:       "PlanarConfiguration",
	Predictor:                 "Predictor",
	TileWidth:                 "TileWidth",
	TileLength:                "TileLength",
	TileOffsets:               "TileOffsets",
	TileByteCounts:            "TileByteCounts",
	SampleFormat:              "SampleFormat",
	ModelPixelScale:           "ModelPixelScaleTag",
	ModelTiepoint:             "ModelTiepointTag",
	ModelTransformation:       "ModelTransformationTag",
	GeoKeyDirectory:           "GeoKeyDirectoryTag",
	GeoDoubleParams:           "GeoDoubleParamsTag",
	GeoAsciiParams:            "GeoAsciiParamsTag",
	GDALMetadataTag:           "GDAL_METADATA",
	GDALNoData:                "GDAL_NODATA",
}

// Compression schemes.
const (
	Uncompressed = 1
	LZW          = 5
	DEFLATE      = 8
	AdobeDeflate = 32946
	ZSTD         = 50000
)

// Predictors.
const (
	PredictorNone          = 1
	PredictorHorizontal    = 2
	PredictorFloatingPoint = 3
)

// Sample formats.
const (
	SampleFormatUint  = 1
	SampleFormatInt   = 2
	SampleFormatFloat = 3
)

const (
	PlanarChunky = 1
	PlanarPlanar = 2
)

// GeoKey is a key identifier inside the GeoKeyDirectoryTag.
type GeoKey uint16

// GeoKeys used to identify the source CRS.
const (
	GTModelTypeGeoKey      GeoKey = 1024
	GTRasterTypeGeoKey     GeoKey = 1025
	GTCitationGeoKey       GeoKey = 1026
	GeographicTypeGeoKey   GeoKey = 2048
	GeogCitationGeoKey     GeoKey = 2049
	ProjectedCSTypeGeoKey  GeoKey = 3072
	PCSCitationGeoKey      GeoKey = 3073
	ProjLinearUnitsGeoKey  GeoKey = 3076
	VerticalCSTypeGeoKey   GeoKey = 4096
	VerticalCitationGeoKey GeoKey = 4097
)

// userDefinedCode marks a GeoKey value that is not an EPSG code.
const userDefinedCode = 32767

// GTModelTypeGeoKey values.
const (
	ModelTypeProjected  = 1
	ModelTypeGeographic = 2
)

// UserDefinedCRS is the SourceCRS label of a raster without an EPSG code.
const UserDefinedCRS = "user-defined"
