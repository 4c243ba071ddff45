package bench

// OpenCL C sources of the benchmark kernels. Values a kernel body needs at
// compile time are exposed as #defines so every device specialises the same
// rendered text.

const apply3Source = `
kernel void apply3(int totalN, global float *out, global const float *in1, global const float *in2) {
  int linearId = get_global_id(0);
  if (linearId < totalN) {
    out[linearId] = in1[linearId] * in2[linearId];
  }
}
`

// apply3FlatSource passes each tensor's layout as individual int arguments,
// one size/stride pair per dimension.
const apply3FlatSource = `
#define DIMS {{dims}}
kernel void apply3_flat(
{% for t=1,3 do %}    global float *data{{t}}, int offset{{t}},{% for d=1,dims do %} int size{{t}}_{{d}}, int stride{{t}}_{{d}},{% end %}
{% end %}    int totalN) {
  int linearId = get_global_id(0);
  if (linearId >= totalN) {
    return;
  }
{% for t=1,3 do %}  int count{{t}} = 1;
{% for d=1,dims do %}  count{{t}} *= size{{t}}_{{d}};
{% end %}  int rem{{t}} = linearId;
  int idx{{t}} = offset{{t}};
{% for d=1,dims do %}  count{{t}} /= size{{t}}_{{d}};
  idx{{t}} += (rem{{t}} / count{{t}}) * stride{{t}}_{{d}};
  rem{{t}} %= count{{t}};
{% end %}{% end %}  data1[idx1] = data2[idx2] * data3[idx3];
}
`

// infoIndexSource maps a linear position through one Info record, last
// dimension fastest. It expects the Info declaration above it.
const infoIndexSource = `
#define MAX_DIMS {{maxdims}}
static int infoIndex(global const struct Info *info, int linearId) {
  int count = 1;
{% for d=1,maxdims do %}  if ({{d}} <= info->dims) count *= info->size{{d}};
{% end %}  int rem = linearId;
  int idx = info->offset;
{% for d=1,maxdims do %}  if ({{d}} <= info->dims) {
    count /= info->size{{d}};
    idx += (rem / count) * info->stride{{d}};
    rem %= count;
  }
{% end %}  return idx;
}
`

const apply3PerLaunchSource = `
kernel void apply3_perclt(int totalN, global const struct Info *infos,
    global float *out, global const float *in1, global const float *in2) {
  int linearId = get_global_id(0);
  if (linearId < totalN) {
    out[infoIndex(&infos[0], linearId)] =
        in1[infoIndex(&infos[1], linearId)] * in2[infoIndex(&infos[2], linearId)];
  }
}
`

const apply3InfosSource = `
kernel void apply3_infos(int totalN, global const struct Info *infos,
    int outIdx, int in1Idx, int in2Idx,
    global float *out, global const float *in1, global const float *in2) {
  int linearId = get_global_id(0);
  if (linearId < totalN) {
    out[infoIndex(&infos[outIdx], linearId)] =
        in1[infoIndex(&infos[in1Idx], linearId)] * in2[infoIndex(&infos[in2Idx], linearId)];
  }
}
`

// addSource adds delta to count elements starting at offset.
const addSource = `
kernel void inplace_add(int offset, int count, float delta, global float *data) {
  int linearId = get_global_id(0);
  if (linearId < count) {
    data[offset + linearId] += delta;
  }
}
`

const apply1Source = `
#define WIDTH {{width}}
#define APPLY(out) ({{operation}})
kernel void apply1(int offset, int count, global {{type}} *_out) {
  int linearId = get_global_id(0);
  if (linearId < count) {
    {{type}} out = _out[offset + linearId];
    _out[offset + linearId] = APPLY(out);
  }
}
`

const privateSource = `
#define PRIVATE_SIZE {{privatesize}}
kernel void private_add(int totalN, global float *data) {
  int linearId = get_global_id(0) * PRIVATE_SIZE;
  if (linearId + PRIVATE_SIZE <= totalN) {
    float _buffer[PRIVATE_SIZE];
    for (int i = 0; i < PRIVATE_SIZE; i++) {
      _buffer[i] = data[linearId + i];
    }
    for (int i = 0; i < PRIVATE_SIZE; i++) {
      _buffer[i] += 3.3f;
    }
    for (int i = 0; i < PRIVATE_SIZE; i++) {
      data[linearId + i] = _buffer[i];
    }
  }
}
`

const stridedSource = `
#define STRIDE0 {{stride0}}
#define STRIDE1 {{stride1}}
#define SIZE0 {{size0}}
#define SIZE1 {{size1}}
kernel void strided_add(int totalN, global float *data) {
  int linearId = get_global_id(0);
  if (linearId < totalN) {
    int x1 = linearId % SIZE1;
    int x0 = linearId / SIZE1;
    data[x0 * STRIDE0 + x1 * STRIDE1] += 3.3f;
  }
}
`
