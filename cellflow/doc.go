/*
	Package cellflow holds the core types shared by the segmentation pipeline: regions and
	global coordinate recovery, dense volumes, element data types, serialization, logging
	and a few system utilities.

	Coordinates follow the on-disk array order, i.e., leading channel axes followed by the
	three spatial axes Z, Y, X.  A Region is a list of half-open spans, one per axis.
*/
package cellflow
