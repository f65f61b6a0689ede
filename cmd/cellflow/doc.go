/*
cellflow segments cells in 3D microscopy volumes that are too large to fit in memory.
Fixed-size chunks are streamed from a zarr array through 2D inference along the XY, ZX
and ZY planes, the three per-plane derivative fields are combined into one 3D flow
field, and the flow is gated by a cell-probability mask.  Results are written back as
zarr arrays readable by the Python zarr package.

Usage

In the following documentation, the type of brackets designate
<required parameter> and [optional parameter].

	cellflow about
	cellflow -config run.toml segment
	cellflow -config run.toml predict [dataset=/path/to/image.zarr] [axis=ZX]
	cellflow -config run.toml combine [results=/path/to/results]

Configuration

A run is configured by a TOML or YAML file:

	[data]
	datasets = ["s3://bucket/image.zarr"]
	multiscale = "2"
	results = "../results"

	[loader]
	target_size_mb = 3072
	workers = 16

	[model]
	name = "cyto"
	address = "gpu-host:8002"
	diameter = 15

	[predict]
	slices_per_axis = [40, 80, 80]

	[combine]
	cellprob_threshold = 0.0
	chunk = [128, 128, 128]

Relative paths are taken relative to the configuration file.  The results directory
must exist.  Worker counts may not exceed the processors allotted to the process,
which is read from the CO_CPUS environment variable or the cgroup CPU quota.

Outputs

For each dataset the results directory receives:

	gradients.zarr            (3, 3, Z, Y, X) float32 per-axis derivatives and probability
	combined_gradients.zarr   (3, Z, Y, X) float32 masked flow (dZ, dY, dX)
	combined_cellprob.zarr    (Z, Y, X) uint8 cell mask
	resource_report.json      CPU and memory summary, with PNG graphs

Samples cut short at the edge of a volume whose size is not a multiple of the chunk
size are skipped with a warning, so those regions keep the fill value.
*/
package main
